// Package app assembles the engine from configuration. Embedding services
// supply their resource stores through options; everything else is built
// from config.Config with in-memory fallbacks for unset backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"phiguard/internal/access"
	accessmetrics "phiguard/internal/access/metrics"
	"phiguard/internal/access/store/permission"
	auditsvc "phiguard/internal/audit"
	auditmetrics "phiguard/internal/audit/metrics"
	"phiguard/internal/notify"
	"phiguard/internal/platform/config"
	"phiguard/internal/platform/httpserver"
	"phiguard/internal/platform/kafka"
	platformmetrics "phiguard/internal/platform/metrics"
	"phiguard/internal/platform/postgres"
	"phiguard/internal/platform/redis"
	"phiguard/internal/retention"
	retentionmetrics "phiguard/internal/retention/metrics"
	"phiguard/internal/retention/ports"
	"phiguard/internal/retention/store/hold"
	"phiguard/internal/retention/store/job"
	"phiguard/pkg/domain"
	audit "phiguard/pkg/platform/audit"
	auditmem "phiguard/pkg/platform/audit/store/memory"
	auditpg "phiguard/pkg/platform/audit/store/postgres"
)

// App holds the wired services and the resources they own.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Audit     *auditsvc.Service
	Access    *access.Controller
	Retention *retention.Manager

	health     map[string]httpserver.HealthCheck
	sweepTypes []domain.ResourceType
	closers    []func(context.Context) error
}

type options struct {
	stores    map[domain.ResourceType]ports.ResourceStore
	treatment ports.TreatmentChecker
	archiver  ports.Archiver
	observers []notify.Observer
}

// Option customizes assembly.
type Option func(*options)

// WithResourceStore registers the store swept for rt.
func WithResourceStore(rt domain.ResourceType, store ports.ResourceStore) Option {
	return func(o *options) {
		o.stores[rt] = store
	}
}

// WithTreatmentChecker backs the active-treatment exemption.
func WithTreatmentChecker(tc ports.TreatmentChecker) Option {
	return func(o *options) {
		o.treatment = tc
	}
}

// WithArchiver replaces the logging archiver.
func WithArchiver(a ports.Archiver) Option {
	return func(o *options) {
		o.archiver = a
	}
}

// WithObserver adds an event observer alongside the log and Kafka observers.
func WithObserver(obs notify.Observer) Option {
	return func(o *options) {
		o.observers = append(o.observers, obs)
	}
}

// New connects the configured backends and builds the services. On error
// every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{stores: make(map[domain.ResourceType]ports.ResourceStore)}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: platformmetrics.NewRegistry(),
		health:   make(map[string]httpserver.HealthCheck),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	store, err := a.auditStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Audit, err = auditsvc.New(store,
		auditsvc.WithLogger(logger),
		auditsvc.WithMetrics(auditmetrics.New(a.Registry)),
		auditsvc.WithConfig(cfg.Audit),
	)
	if err != nil {
		return nil, fmt.Errorf("audit service: %w", err)
	}
	a.closers = append(a.closers, a.Audit.Close)

	perms, holds, err := a.redisStores(ctx)
	if err != nil {
		return nil, err
	}

	observer, err := a.observer(ctx, o.observers)
	if err != nil {
		return nil, err
	}

	a.Access, err = access.New(a.Audit, perms,
		access.WithLogger(logger),
		access.WithMetrics(accessmetrics.New(a.Registry)),
		access.WithObserver(observer),
	)
	if err != nil {
		return nil, fmt.Errorf("access controller: %w", err)
	}

	a.Retention, err = a.retentionManager(holds, observer, o)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) auditStore(ctx context.Context) (audit.Store, error) {
	db, err := postgres.Open(ctx, a.Config.Postgres)
	if err != nil {
		return nil, err
	}
	if db == nil {
		a.Logger.WarnContext(ctx, "postgres not configured, audit entries are kept in memory")
		return auditmem.NewInMemoryStore(), nil
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	a.health["postgres"] = db.PingContext

	store := auditpg.New(db)
	if a.Config.Postgres.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (a *App) redisStores(ctx context.Context) (access.PermissionStore, ports.HoldStore, error) {
	rc, err := redis.New(ctx, a.Config.Redis)
	if err != nil {
		return nil, nil, err
	}
	if rc == nil {
		a.Logger.WarnContext(ctx, "redis not configured, permissions and holds are kept in memory")
		return permission.NewInMemoryStore(), hold.NewInMemoryStore(), nil
	}
	a.closers = append(a.closers, func(context.Context) error { return rc.Close() })
	a.health["redis"] = rc.Health
	return permission.NewRedisStore(rc.Client), hold.NewRedisStore(rc.Client), nil
}

func (a *App) observer(ctx context.Context, extra []notify.Observer) (notify.Observer, error) {
	observers := notify.Multi{notify.NewLogObserver(a.Logger)}
	observers = append(observers, extra...)

	kc, err := kafka.New(ctx, a.Config.Kafka)
	if err != nil {
		return nil, err
	}
	if kc == nil {
		return observers, nil
	}
	a.closers = append(a.closers, func(context.Context) error {
		kc.Close()
		return nil
	})
	a.health["kafka"] = kc.Health
	if err := kc.EnsureTopics(ctx, a.Config.Kafka.Partitions, a.Config.Kafka.ReplicationFactor, a.Config.Kafka.Topic); err != nil {
		return nil, err
	}
	return append(observers, notify.NewKafkaObserver(kc, a.Config.Kafka.Topic, a.Logger)), nil
}

func (a *App) retentionManager(holds ports.HoldStore, observer notify.Observer, o *options) (*retention.Manager, error) {
	rc := a.Config.Retention
	policies := rc.Policies
	if len(policies) == 0 {
		policies = retention.DefaultPolicies()
	}
	exemptions, err := retention.NewExemptions(o.treatment)
	if err != nil {
		return nil, err
	}

	mopts := []retention.Option{
		retention.WithLogger(a.Logger),
		retention.WithMetrics(retentionmetrics.New(a.Registry)),
		retention.WithObserver(observer),
		retention.WithExemptions(exemptions),
		retention.WithPolicies(policies...),
		retention.WithConcurrency(rc.Concurrency),
		retention.WithSweepTimeout(rc.SweepTimeout),
		retention.WithDeleteRate(rc.DeleteRate, rc.DeleteBurst),
	}
	if o.archiver != nil {
		mopts = append(mopts, retention.WithArchiver(o.archiver))
	}
	a.sweepTypes = []domain.ResourceType{domain.ResourceAuditLog}
	for rt, store := range o.stores {
		mopts = append(mopts, retention.WithResourceStore(rt, store))
		a.sweepTypes = append(a.sweepTypes, rt)
	}
	slices.Sort(a.sweepTypes[1:])

	m, err := retention.New(a.Audit, holds, job.NewInMemoryStore(job.DefaultHistory), mopts...)
	if err != nil {
		return nil, fmt.Errorf("retention manager: %w", err)
	}
	return m, nil
}

// SweepTypes lists the resource types that have a backing store, starting
// with the audit log itself.
func (a *App) SweepTypes() []domain.ResourceType {
	return append([]domain.ResourceType(nil), a.sweepTypes...)
}

// Scheduler builds the periodic sweep from config, restricted to SweepTypes.
func (a *App) Scheduler() (*retention.Scheduler, error) {
	rc := a.Config.Retention
	return retention.NewScheduler(a.Retention, retention.SchedulerConfig{
		Interval:      rc.Interval,
		DryRun:        rc.DryRun,
		ApprovedBy:    rc.ApprovedBy,
		ResourceTypes: a.SweepTypes(),
	}, a.Logger)
}

// Handler serves the ops endpoints.
func (a *App) Handler() http.Handler {
	return httpserver.NewOpsRouter(a.Registry, a.health, a.Logger)
}

// Close flushes the audit buffer and releases connections in reverse order
// of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
