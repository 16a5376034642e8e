// Package watchlist publishes the current watch-list and recipient set as an
// immutable snapshot. The worker reads whole snapshots; the admin surface
// mutates the backing store and triggers Reload. Nobody ever observes a
// half-updated view.
package watchlist

import (
	"context"
	"sync/atomic"
	"time"

	"bsemon/internal/store"
	logx "bsemon/pkg/logx"
)

// Reader is the subset of the store the provider needs. The worker-facing
// snapshot never exposes the store's write side.
type Reader interface {
	Instruments(ctx context.Context) ([]store.Instrument, error)
	Recipients(ctx context.Context) ([]store.Recipient, error)
}

// Snapshot is one fully-formed view of the configuration. It is replaced
// wholesale on reload and must not be mutated by consumers.
type Snapshot struct {
	Instruments []store.Instrument
	Recipients  []string
	LoadedAt    time.Time
}

// Provider holds the current snapshot behind a single pointer swap.
//
// Reload failures keep the last-known-good snapshot; Current returns nil only
// when no load has ever succeeded (callers skip the cycle in that case).
type Provider struct {
	reader Reader
	log    logx.Logger
	cur    atomic.Pointer[Snapshot]
}

func NewProvider(r Reader, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{reader: r, log: log}
}

// Current returns the last successfully loaded snapshot, or nil if none.
func (p *Provider) Current() *Snapshot {
	return p.cur.Load()
}

// Reload reads both tables and swaps in a new snapshot atomically. On any
// error nothing is swapped, so concurrent readers keep the previous view.
func (p *Provider) Reload(ctx context.Context) error {
	instruments, err := p.reader.Instruments(ctx)
	if err != nil {
		return err
	}
	recipients, err := p.reader.Recipients(ctx)
	if err != nil {
		return err
	}

	snap := &Snapshot{
		Instruments: instruments,
		Recipients:  make([]string, 0, len(recipients)),
		LoadedAt:    time.Now(),
	}
	for _, r := range recipients {
		snap.Recipients = append(snap.Recipients, r.ChannelID)
	}

	p.cur.Store(snap)
	p.log.Debug("watch-list reloaded",
		logx.Int("instruments", len(snap.Instruments)),
		logx.Int("recipients", len(snap.Recipients)))
	return nil
}
