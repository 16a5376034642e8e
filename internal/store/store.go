// Package store is the SQLite persistence layer shared by the worker and the
// admin surface: the watch-list, the recipient set, and the seen-records that
// make notification delivery idempotent.
package store

import (
	"time"
)

// Instrument is one watched listing. Identity is the exchange code; the
// display name only affects message formatting.
type Instrument struct {
	Code        string
	DisplayName string
}

// Recipient is one notification target. ChannelID is an opaque chat id; the
// transport layer decides how to interpret it.
type Recipient struct {
	ChannelID string
}

// SeenRecord is the durable proof that an (instrument, external id) pair has
// already triggered a notification. Rows are inserted once and never updated
// or deleted.
type SeenRecord struct {
	InstrumentCode  string
	ExternalID      string
	FirstNotifiedAt time.Time
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
