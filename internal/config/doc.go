// Package config defines the update server settings and helpers to load,
// validate and save them in YAML format.
//
// Validate fills defaults for every optional field, so a zero Config that
// passes validation describes the stock layout: autotest.tar.bz2 dropped
// into the state directory, served by rsync on port 8083.
package config
