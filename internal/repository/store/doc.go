// Package store keeps published payload versions in content-addressed
// directories under <state_dir>/<payload_root>.
//
// A version directory is named after the MD5 of its source archive and
// only becomes visible through a single rename of a fully extracted
// staging directory, so clients never observe a partial tree. The MD5SUM
// marker inside the payload root is what makes a directory count as published.
package store
