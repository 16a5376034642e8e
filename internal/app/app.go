// Package app wires the components together and owns their lifecycle:
// config manager, logging service, SQLite store, watch-list provider,
// BSE client, Telegram dispatcher and the monitor loop.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"bsemon/internal/config"
	"bsemon/internal/monitor"
	"bsemon/internal/notify"
	"bsemon/internal/runtime/supervisor"
	"bsemon/internal/source/bse"
	"bsemon/internal/store"
	"bsemon/internal/transport/telegram"
	"bsemon/internal/watchlist"
	logx "bsemon/pkg/logx"
)

// TokenEnv overrides telegram.token from the config file, so the secret can
// stay out of the file entirely.
const TokenEnv = "BSEMON_TELEGRAM_TOKEN"

// dispatchProxy lets the monitor keep one Broadcaster reference while the
// underlying dispatcher is rebuilt on config reload.
type dispatchProxy struct {
	cur atomic.Pointer[notify.Dispatcher]
}

func (p *dispatchProxy) Broadcast(ctx context.Context, recipients []string, text string) (int, error) {
	return p.cur.Load().Broadcast(ctx, recipients, text)
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store     *store.Store
	storePath string
	snaps     *watchlist.Provider
	adapter   *telegram.Adapter
	tgCfg     telegram.Config
	disp      *dispatchProxy
	mon       *monitor.Service
}

// resolveToken picks the bot token, preferring the environment over the
// config file.
func resolveToken(cfg *config.Config) string {
	token := strings.TrimSpace(cfg.Telegram.Token)
	if env := strings.TrimSpace(os.Getenv(TokenEnv)); env != "" {
		token = env
	}
	return token
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	tgCfg, err := mapTelegramConfig(cfg, resolveToken(cfg))
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w (set telegram.token or %s)", err, TokenEnv)
	}

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	snaps := watchlist.NewProvider(st, log.With(logx.String("comp", "watchlist")))

	srcCfg, err := mapSourceConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	fetcher := bse.NewClient(srcCfg, log.With(logx.String("comp", "bse")))

	notifyCfg, err := mapNotifyConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	disp := &dispatchProxy{}
	disp.cur.Store(notify.NewDispatcher(adapter, notifyCfg, log.With(logx.String("comp", "notify"))))

	monCfg, err := mapMonitorConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	mon := monitor.New(monCfg, fetcher, st, snaps, disp, log.With(logx.String("comp", "monitor")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		store:     st,
		storePath: storeCfg.Path,
		snaps:     snaps,
		adapter:   adapter,
		tgCfg:     tgCfg,
		disp:      disp,
		mon:       mon,
	}, nil
}

// Done is closed when the supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Transactional reload: every mapping must parse before anything applies.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSourceConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMonitorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTelegramConfig(cfg, "placeholder"); err != nil {
			return err
		}
		return nil
	})

	if err := a.mon.Start(a.sup.Context()); err != nil {
		return err
	}

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	// The watcher has its own recreate backoff; GoRestart only guards
	// against it panicking.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the live components. Storage
// and Telegram session settings are fixed at startup; changes there are
// surfaced as restart-required warnings rather than half-applied.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))

	if monCfg, err := mapMonitorConfig(cfg); err == nil {
		if err := a.mon.Apply(monCfg); err != nil {
			a.log.Warn("monitor config apply failed; keeping previous", logx.Err(err))
		}
	}

	if notifyCfg, err := mapNotifyConfig(cfg); err == nil {
		a.disp.cur.Store(notify.NewDispatcher(a.adapter, notifyCfg,
			a.log.With(logx.String("comp", "notify"))))
	}

	if storeCfg, err := mapStorageConfig(cfg); err == nil && storeCfg.Path != a.storePath {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if tgCfg, err := mapTelegramConfig(cfg, resolveToken(cfg)); err == nil && tgCfg != a.tgCfg {
		// The bot session (token, parse mode, send timeout) is built once
		// at startup.
		a.log.Warn("telegram config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Run each shutdown step under its own bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("monitor", 10*time.Second, a.mon.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
