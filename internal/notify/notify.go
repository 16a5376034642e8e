// Package notify delivers announcement messages to recipients with retries.
//
// The dispatcher retries transient failures with exponential backoff and
// gives up immediately on permanent ones. Fan-out is per-recipient isolated:
// one recipient exhausting its retries never blocks or skips the others.
package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"bsemon/internal/backoff"
	"bsemon/internal/transport/telegram"
	logx "bsemon/pkg/logx"
)

const defaultRatePerSec = 3

// Sender is the delivery edge. Satisfied by *telegram.Adapter.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) error
}

type Config struct {
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RatePerSec    float64 // outbound message rate shared by all recipients
}

type Dispatcher struct {
	sender  Sender
	policy  backoff.Policy
	limiter *rate.Limiter
	log     logx.Logger
}

func NewDispatcher(sender Sender, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	per := cfg.RatePerSec
	if per <= 0 {
		per = defaultRatePerSec
	}
	policy := backoff.Policy{
		Base:        cfg.RetryBase,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}.Normalize()
	return &Dispatcher{
		sender:  sender,
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(per), 1),
		log:     log,
	}
}

// Send delivers one message to one recipient, retrying transient failures up
// to the policy's MaxAttempts. A permanent failure returns at once. When the
// transport reports a server-requested wait (rate limiting), that wait
// overrides a shorter backoff delay.
func (d *Dispatcher) Send(ctx context.Context, channelID, text string) error {
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		err := d.sender.SendText(ctx, channelID, text)
		if err == nil {
			if attempt > 1 {
				d.log.Info("delivered after retry",
					logx.String("channel", channelID),
					logx.Int("attempt", attempt))
			}
			return nil
		}

		if telegram.IsPermanent(err) {
			d.log.Warn("permanent delivery failure",
				logx.String("channel", channelID),
				logx.Err(err))
			return err
		}

		if attempt >= d.policy.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		delay := d.policy.Delay(attempt)
		if ra, ok := telegram.RetryAfter(err); ok && ra > delay {
			delay = ra
		}
		d.log.Debug("transient delivery failure",
			logx.String("channel", channelID),
			logx.Int("attempt", attempt),
			logx.Duration("retry_in", delay),
			logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Broadcast sends one message to every recipient in order and reports how
// many deliveries succeeded. Each recipient runs its full retry cycle
// independently; failures are logged and do not stop the fan-out. A
// cancelled context is the only early exit.
func (d *Dispatcher) Broadcast(ctx context.Context, recipients []string, text string) (delivered int, err error) {
	for _, r := range recipients {
		if cerr := ctx.Err(); cerr != nil {
			return delivered, cerr
		}
		if serr := d.Send(ctx, r, text); serr != nil {
			d.log.Warn("recipient delivery failed",
				logx.String("channel", r),
				logx.Err(serr))
			continue
		}
		delivered++
	}
	return delivered, nil
}
