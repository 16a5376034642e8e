package watchlist

import (
	"context"
	"errors"
	"testing"

	"bsemon/internal/store"
	logx "bsemon/pkg/logx"
)

type fakeReader struct {
	instruments []store.Instrument
	recipients  []store.Recipient
	err         error
}

func (f *fakeReader) Instruments(context.Context) ([]store.Instrument, error) {
	return f.instruments, f.err
}

func (f *fakeReader) Recipients(context.Context) ([]store.Recipient, error) {
	return f.recipients, f.err
}

func TestCurrentIsNilBeforeFirstLoad(t *testing.T) {
	p := NewProvider(&fakeReader{}, logx.Nop())
	if p.Current() != nil {
		t.Fatal("expected nil snapshot before first Reload")
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	r := &fakeReader{
		instruments: []store.Instrument{{Code: "500325", DisplayName: "Reliance Industries"}},
		recipients:  []store.Recipient{{ChannelID: "abc"}},
	}
	p := NewProvider(r, logx.Nop())
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	snap := p.Current()
	if snap == nil {
		t.Fatal("expected snapshot after Reload")
	}
	if len(snap.Instruments) != 1 || snap.Instruments[0].Code != "500325" {
		t.Fatalf("unexpected instruments: %+v", snap.Instruments)
	}
	if len(snap.Recipients) != 1 || snap.Recipients[0] != "abc" {
		t.Fatalf("unexpected recipients: %+v", snap.Recipients)
	}
}

func TestReloadFailureKeepsLastKnownGood(t *testing.T) {
	r := &fakeReader{
		instruments: []store.Instrument{{Code: "500325", DisplayName: "Reliance Industries"}},
		recipients:  []store.Recipient{{ChannelID: "abc"}},
	}
	p := NewProvider(r, logx.Nop())
	if err := p.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	good := p.Current()

	r.err = errors.New("store unavailable")
	if err := p.Reload(context.Background()); err == nil {
		t.Fatal("expected Reload error during outage")
	}
	if p.Current() != good {
		t.Fatal("failed reload must keep the previous snapshot")
	}
}
