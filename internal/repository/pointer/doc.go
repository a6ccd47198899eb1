// Package pointer maintains the latest symlink and latest.md5sum file that
// tell clients which published version to fetch.
package pointer
