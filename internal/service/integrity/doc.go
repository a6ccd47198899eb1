// Package integrity decides whether a dropped archive is complete enough to publish.
package integrity
