// Package app wires the pipeline together and exposes it as a CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nhle/messaging-manager/internal/approval"
	"github.com/nhle/messaging-manager/internal/conversation"
	"github.com/nhle/messaging-manager/internal/credential"
	"github.com/nhle/messaging-manager/internal/draft"
	"github.com/nhle/messaging-manager/internal/drafting"
	"github.com/nhle/messaging-manager/internal/lock"
	"github.com/nhle/messaging-manager/internal/manager"
	"github.com/nhle/messaging-manager/internal/model"
	"github.com/nhle/messaging-manager/internal/normalize"
	"github.com/nhle/messaging-manager/internal/notify"
	"github.com/nhle/messaging-manager/internal/server"
	"github.com/nhle/messaging-manager/internal/source"
	"github.com/nhle/messaging-manager/internal/store"
	appsync "github.com/nhle/messaging-manager/internal/sync"
)

// draftingCredential is the credential key of the drafting service API key.
const draftingCredential = "anthropic/api_key"

// lockTTL bounds how long a crashed holder can keep a Redis lock.
const lockTTL = 5 * time.Minute

// App holds the wired components of one process.
type App struct {
	Config   *model.AppConfig
	Logger   *zap.Logger
	Store    *store.SQLStore
	Registry *source.Registry
	Manager  *manager.Manager
	Server   *server.Server

	closers []func()
}

// Build opens the store and connects every component described by cfg.
// Sources whose credentials cannot be resolved are skipped with a warning.
func Build(ctx context.Context, cfg *model.AppConfig, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	s, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.Store = s
	a.closers = append(a.closers, func() { s.Close() })

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.newNotifier()
	if err != nil {
		a.Close()
		return nil, err
	}

	apiKey, err := credential.Lookup(draftingCredential)
	if err != nil {
		logger.Warn("drafting api key not found; process cycles will fail",
			zap.String("env", credential.EnvName(draftingCredential)),
			zap.Error(err),
		)
	}
	drafter := drafting.New(apiKey, cfg.Drafting, logger.Named("drafting"))

	a.Registry = buildRegistry(cfg, credential.Lookup, logger)

	proc := cfg.Processing
	adapterTimeout := seconds(proc.AdapterTimeoutSec)

	poller := appsync.New(s, a.Registry, normalize.New(logger), locker, notifier, logger.Named("poll"), appsync.Options{
		FetchLimit: proc.FetchLimit,
		Timeout:    adapterTimeout,
	})

	cache := draft.NewCache(s, drafter, locker, logger.Named("draft"))
	processor := draft.NewProcessor(
		conversation.NewWindower(s, proc.WindowSize),
		cache,
		notifier,
		logger.Named("process"),
		draft.ProcessorOptions{
			Concurrency: proc.Concurrency,
			Lookback:    time.Duration(proc.LookbackHours) * time.Hour,
			Timeout:     seconds(cfg.Drafting.TimeoutSec),
		},
	)

	machine := approval.NewMachine(s, a.Registry, locker, notifier, logger.Named("approval"), adapterTimeout)

	a.Manager = manager.New(s, poller, processor, machine, logger, manager.Options{
		PollInterval:    seconds(proc.PollIntervalSec),
		ProcessInterval: seconds(proc.ProcessIntervalSec),
	})
	if cfg.SentryDSN != "" {
		a.Manager.OnCycleError(reportToSentry)
	}

	a.Server = server.New(a.Manager, cfg.MediaDir, logger.Named("http"))

	return a, nil
}

// Close releases every resource opened by Build, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) newLocker(ctx context.Context) (lock.Locker, error) {
	addr := a.Config.Lock.RedisAddr
	if addr == "" {
		return lock.NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", addr, err)
	}
	a.closers = append(a.closers, func() { client.Close() })
	return lock.NewRedis(client, lockTTL), nil
}

func (a *App) newNotifier() (notify.Notifier, error) {
	url := a.Config.Notify.NATSURL
	if url == "" {
		return notify.Nop{}, nil
	}

	n, err := notify.NewNATS(url, a.Logger.Named("notify"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, n.Close)
	return n, nil
}

// initSentry enables error reporting when a DSN is configured. The
// returned func flushes buffered events.
func initSentry(dsn string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, fmt.Errorf("initializing sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func reportToSentry(kind string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("cycle", kind)
		sentry.CaptureException(err)
	})
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
