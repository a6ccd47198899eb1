// Package notify tells interested parties that a new version was advertised.
//
// Backends are resolved by name from a registry at startup: "none" drops
// events, "log" writes them to the service log and "nats" publishes them as
// JSON on a NATS subject. Delivery is best effort; callers log failures and
// carry on, since clients discover versions through latest.md5sum anyway.
package notify
