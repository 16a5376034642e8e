// Package monitor runs the periodic announcement pipeline: fetch per
// watched instrument, drop already-seen and stale items, fan out to
// recipients, then record the announcement as seen.
//
// Two jobs share one cron runner: the announcement check and the watch-list
// snapshot reload. Both are single-flight; a slow run makes the next tick a
// no-op instead of stacking.
package monitor

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bsemon/internal/source/bse"
	"bsemon/internal/store"
	"bsemon/internal/watchlist"
	logx "bsemon/pkg/logx"
)

const (
	DefaultCheckInterval  = 5 * time.Minute
	DefaultReloadInterval = time.Minute
	DefaultLookback       = 48 * time.Hour

	defaultMaxConsecutiveFailures = 3
	defaultFailureCooldown        = time.Minute

	stopGrace = 5 * time.Second
)

type Fetcher interface {
	Fetch(ctx context.Context, instrumentCode string, lookback time.Duration) ([]bse.Announcement, error)
}

type SeenStore interface {
	IsSeen(ctx context.Context, instrumentCode, externalID string) (bool, error)
	MarkSeen(ctx context.Context, instrumentCode, externalID string, at time.Time) (bool, error)
}

type Snapshots interface {
	Current() *watchlist.Snapshot
	Reload(ctx context.Context) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []string, text string) (int, error)
}

type Config struct {
	CheckInterval          time.Duration
	ReloadInterval         time.Duration
	Lookback               time.Duration
	MaxConsecutiveFailures int
	FailureCooldown        time.Duration
}

func (c Config) normalize() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = DefaultReloadInterval
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = defaultFailureCooldown
	}
	return c
}

type Service struct {
	fetcher Fetcher
	seen    SeenStore
	snaps   Snapshots
	out     Broadcaster
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	checkBusy  atomic.Bool
	reloadBusy atomic.Bool

	// Guarded by being touched only from the single-flight check job.
	failures      int
	cooldownUntil time.Time
}

func New(cfg Config, fetcher Fetcher, seen SeenStore, snaps Snapshots, out Broadcaster, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.normalize(),
		fetcher: fetcher,
		seen:    seen,
		snaps:   snaps,
		out:     out,
		log:     log,
	}
}

// Start registers both jobs and runs each of them once right away, so a
// fresh process notifies without waiting out the first interval.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)

	if err := s.startCronLocked(); err != nil {
		s.started = false
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("initial run panicked", logx.Any("panic", r))
			}
		}()
		s.runReload()
		s.runCheck()
	}()

	s.log.Info("monitor started",
		logx.Duration("check_interval", s.cfg.CheckInterval),
		logx.Duration("reload_interval", s.cfg.ReloadInterval),
		logx.Duration("lookback", s.cfg.Lookback))
	return nil
}

func (s *Service) startCronLocked() error {
	// A panicking job must never take down the scheduling loop.
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronLogger{s.log}))))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.CheckInterval), s.runCheck); err != nil {
		return err
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ReloadInterval), s.runReload); err != nil {
		return err
	}
	c.Start()
	s.c = c
	return nil
}

// cronLogger adapts logx to cron's Printf-style logger, used only for
// recovered job panics.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Printf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

// Apply swaps in new scheduling parameters. Interval changes rebuild the
// cron runner; a check already in flight finishes under its old settings.
//
// The mutex is released while waiting for the old runner to stop: a job
// fired just before the swap may still need s.mu to read its run context,
// so holding the lock across the wait would deadlock the scheduler.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalize()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	if !s.started ||
		(cfg.CheckInterval == old.CheckInterval && cfg.ReloadInterval == old.ReloadInterval) {
		s.mu.Unlock()
		return nil
	}
	oldCron := s.c
	s.c = nil
	s.mu.Unlock()

	if oldCron != nil {
		stopCtx := oldCron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(stopGrace):
			s.log.Warn("cron jobs still running past apply grace")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		// Stopped while we were waiting; nothing to rebuild.
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.log.Info("monitor schedule updated",
		logx.Duration("check_interval", cfg.CheckInterval),
		logx.Duration("reload_interval", cfg.ReloadInterval))
	return nil
}

// Stop halts scheduling and waits briefly for an in-flight cycle. The cycle
// itself finishes its current announcement under a detached context, so a
// notified announcement is always marked seen even during shutdown.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(stopGrace):
			s.log.Warn("cron jobs still running past stop grace")
		}
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stopGrace):
		s.log.Warn("monitor stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (s *Service) runReload() {
	if !s.reloadBusy.CompareAndSwap(false, true) {
		return
	}
	defer s.reloadBusy.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.snaps.Reload(rctx); err != nil {
		// Last-known-good snapshot stays in place.
		s.log.Warn("watch-list reload failed", logx.Err(err))
	}
}

func (s *Service) runCheck() {
	if !s.checkBusy.CompareAndSwap(false, true) {
		s.log.Debug("check still in flight; skipping tick")
		return
	}
	defer s.checkBusy.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	cfg := s.cfg
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if until := s.cooldownUntil; time.Now().Before(until) {
		s.log.Warn("in failure cooldown; skipping cycle", logx.Time("until", until))
		return
	}

	if err := s.runCycle(ctx, cfg); err != nil {
		s.failures++
		s.log.Error("announcement cycle failed", logx.Err(err), logx.Int("consecutive", s.failures))
		if s.failures >= cfg.MaxConsecutiveFailures {
			s.cooldownUntil = time.Now().Add(cfg.FailureCooldown)
			s.failures = 0
			s.log.Warn("too many consecutive failures; cooling down",
				logx.Duration("cooldown", cfg.FailureCooldown))
		}
		return
	}
	s.failures = 0
}

// runCycle processes every watched instrument once. Per-instrument fetch
// failures are logged and skipped; the cycle as a whole fails only when all
// instruments failed, which is what feeds the cooldown counter.
func (s *Service) runCycle(ctx context.Context, cfg Config) error {
	snap := s.snaps.Current()
	if snap == nil {
		s.log.Warn("no watch-list snapshot yet; skipping cycle")
		return nil
	}
	if len(snap.Instruments) == 0 {
		s.log.Debug("watch-list is empty; nothing to check")
		return nil
	}

	cutoff := time.Now().Add(-cfg.Lookback)
	var fetchFailures int
	for _, inst := range snap.Instruments {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		anns, err := s.fetcher.Fetch(ctx, inst.Code, cfg.Lookback)
		if err != nil {
			fetchFailures++
			s.log.Warn("fetch failed; skipping instrument",
				logx.String("instrument", inst.Code),
				logx.Err(err))
			continue
		}
		s.processAnnouncements(ctx, inst, snap.Recipients, anns, cutoff)
	}

	if fetchFailures == len(snap.Instruments) {
		return fmt.Errorf("all %d instrument fetches failed", fetchFailures)
	}
	return nil
}

func (s *Service) processAnnouncements(ctx context.Context, inst store.Instrument, recipients []string, anns []bse.Announcement, cutoff time.Time) {
	for _, ann := range anns {
		// Drain point: between announcements the cycle yields to shutdown.
		// Once an announcement is picked up, its fan-out and mark-seen run
		// to completion on a detached context.
		if ctx.Err() != nil {
			return
		}

		if !s.isNotifiable(inst, ann, cutoff) {
			continue
		}

		seen, err := s.seen.IsSeen(ctx, inst.Code, ann.ExternalID)
		if err != nil {
			s.log.Error("seen lookup failed; skipping announcement",
				logx.String("instrument", inst.Code),
				logx.String("external_id", ann.ExternalID),
				logx.Err(err))
			continue
		}
		if seen {
			continue
		}

		s.notifyOne(context.WithoutCancel(ctx), inst, recipients, ann)
	}
}

func (s *Service) isNotifiable(inst store.Instrument, ann bse.Announcement, cutoff time.Time) bool {
	if ann.ExternalID == "" {
		s.log.Warn("announcement without identity; skipping",
			logx.String("instrument", inst.Code),
			logx.String("title", ann.Title))
		return false
	}
	if ann.PublishedAt.IsZero() {
		// Unknown age: deliver rather than silently drop. Dedup still
		// prevents repeats on later cycles.
		s.log.Warn("announcement has no parsable timestamp; treating as fresh",
			logx.String("instrument", inst.Code),
			logx.String("external_id", ann.ExternalID))
		return true
	}
	// Boundary-inclusive: an announcement exactly at the cutoff is fresh.
	return !ann.PublishedAt.Before(cutoff)
}

// notifyOne fans out one announcement and records it as seen afterwards.
// Mark-seen happens after the attempted fan-out regardless of how many
// deliveries succeeded: at-least-once, never notified-and-forgotten.
func (s *Service) notifyOne(ctx context.Context, inst store.Instrument, recipients []string, ann bse.Announcement) {
	text := FormatMessage(inst, ann)

	delivered, err := s.out.Broadcast(ctx, recipients, text)
	if err != nil {
		s.log.Warn("fan-out interrupted", logx.Err(err))
	}
	s.log.Info("announcement notified",
		logx.String("instrument", inst.Code),
		logx.String("external_id", ann.ExternalID),
		logx.Int("delivered", delivered),
		logx.Int("recipients", len(recipients)))

	inserted, err := s.seen.MarkSeen(ctx, inst.Code, ann.ExternalID, time.Now())
	if err != nil {
		// Next cycle will renotify: at-least-once, by choice.
		s.log.Error("mark-seen failed; announcement may repeat",
			logx.String("instrument", inst.Code),
			logx.String("external_id", ann.ExternalID),
			logx.Err(err))
		return
	}
	if !inserted {
		s.log.Debug("announcement marked seen by a concurrent cycle",
			logx.String("instrument", inst.Code),
			logx.String("external_id", ann.ExternalID))
	}
}

// FormatMessage renders the notification text in Telegram HTML. Upstream
// strings are escaped; the raw timestamp is shown as received.
func FormatMessage(inst store.Instrument, ann bse.Announcement) string {
	display := inst.DisplayName
	if display == "" {
		display = inst.Code
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📢 <b>%s (%s)</b>\n", html.EscapeString(display), html.EscapeString(inst.Code))
	if ann.PublishedRaw != "" {
		fmt.Fprintf(&b, "🕒 %s\n", html.EscapeString(ann.PublishedRaw))
	}
	if ann.DocumentURI != "" {
		fmt.Fprintf(&b, "🔗 <a href=\"%s\">PDF</a>\n", ann.DocumentURI)
	}
	fmt.Fprintf(&b, "📰 %s", html.EscapeString(ann.Title))
	return b.String()
}
