package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"bsemon/internal/transport/telegram"
	logx "bsemon/pkg/logx"
)

// fastConfig keeps retry pauses in the low milliseconds. MaxDelay caps the
// backoff jitter as well, so the whole retry cycle stays fast.
func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:   maxAttempts,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		RatePerSec:    10_000,
	}
}

type fakeSender struct {
	calls map[string]int
	fail  func(channelID string, attempt int) error
}

func newFakeSender(fail func(string, int) error) *fakeSender {
	return &fakeSender{calls: map[string]int{}, fail: fail}
}

func (f *fakeSender) SendText(_ context.Context, channelID, _ string) error {
	f.calls[channelID]++
	if f.fail == nil {
		return nil
	}
	return f.fail(channelID, f.calls[channelID])
}

func TestSendSucceedsFirstAttempt(t *testing.T) {
	s := newFakeSender(nil)
	d := NewDispatcher(s, fastConfig(5), logx.Nop())
	require.NoError(t, d.Send(context.Background(), "1", "hi"))
	require.Equal(t, 1, s.calls["1"])
}

func TestSendRetriesTransientThenSucceeds(t *testing.T) {
	s := newFakeSender(func(_ string, attempt int) error {
		if attempt <= 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	d := NewDispatcher(s, fastConfig(5), logx.Nop())
	require.NoError(t, d.Send(context.Background(), "1", "hi"))
	require.Equal(t, 4, s.calls["1"])
}

func TestSendStopsAtMaxAttempts(t *testing.T) {
	s := newFakeSender(func(string, int) error { return errors.New("still down") })
	d := NewDispatcher(s, fastConfig(5), logx.Nop())

	err := d.Send(context.Background(), "1", "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "giving up after 5 attempts")
	require.Equal(t, 5, s.calls["1"])
}

func TestSendPermanentFailureDoesNotRetry(t *testing.T) {
	blocked := &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	s := newFakeSender(func(string, int) error { return blocked })
	d := NewDispatcher(s, fastConfig(5), logx.Nop())

	err := d.Send(context.Background(), "1", "hi")
	require.Error(t, err)
	require.True(t, telegram.IsPermanent(err))
	require.Equal(t, 1, s.calls["1"])
}

func TestSendHonorsCancellation(t *testing.T) {
	s := newFakeSender(func(string, int) error { return errors.New("down") })
	cfg := fastConfig(5)
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	d := NewDispatcher(s, cfg, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Send(ctx, "1", "hi") }()

	time.Sleep(20 * time.Millisecond) // let the first attempt fail and park in backoff
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancellation")
	}
	require.Equal(t, 1, s.calls["1"])
}

func TestBroadcastIsolatesRecipients(t *testing.T) {
	s := newFakeSender(func(channelID string, _ int) error {
		if channelID == "2" {
			return fmt.Errorf("%w: %q", telegram.ErrBadRecipient, channelID)
		}
		return nil
	})
	d := NewDispatcher(s, fastConfig(5), logx.Nop())

	delivered, err := d.Broadcast(context.Background(), []string{"1", "2", "3"}, "hi")
	require.NoError(t, err)
	require.Equal(t, 2, delivered)
	// The failing recipient did not stop the fan-out.
	require.Equal(t, 1, s.calls["1"])
	require.Equal(t, 1, s.calls["2"])
	require.Equal(t, 1, s.calls["3"])
}

func TestBroadcastExhaustedRetriesDoNotStopFanOut(t *testing.T) {
	s := newFakeSender(func(channelID string, _ int) error {
		if channelID == "1" {
			return errors.New("always down")
		}
		return nil
	})
	d := NewDispatcher(s, fastConfig(3), logx.Nop())

	delivered, err := d.Broadcast(context.Background(), []string{"1", "2"}, "hi")
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
	require.Equal(t, 3, s.calls["1"])
	require.Equal(t, 1, s.calls["2"])
}
