// Package logger wraps zap for the update server:
//   - a global sugared logger writing console-formatted lines,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and a runtime-adjustable level,
//   - leveled helpers (Infof, WarnKV, ErrorKV, etc.).
//
// Services receive a context and pull the logger out of it, so the
// watcher, the store and the daemon supervisor all log with the name and
// fields their caller attached.
package logger
