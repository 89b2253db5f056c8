// Package stream provides incremental readers over continuously appended
// terminal output. A Source hands back only bytes not seen by a previous
// read, so the monitor never re-scans consumed text.
package stream

// Source is a growing text stream read incrementally.
type Source interface {
	// ReadNew returns the bytes appended since the previous call.
	// An empty string with nil error means nothing new yet.
	ReadNew() (string, error)
	// Accessible reports whether the underlying stream currently exists.
	// A false result from a previously accessible source is treated as a
	// transient condition by callers; a source that is never accessible is
	// a setup failure.
	Accessible() bool
}
