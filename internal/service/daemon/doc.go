// Package daemon supervises the rsync daemon that serves published versions.
//
// Every Start regenerates rsyncd.conf in the working directory, clears a pid
// file left by an unclean shutdown and spawns rsync in the foreground
// (--no-detach) so it stays a child of this process. Stop escalates from
// SIGTERM to SIGKILL and returns only once the child is reaped, which keeps a
// following Start from colliding on the port.
package daemon
