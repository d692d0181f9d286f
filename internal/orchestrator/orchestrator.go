// Package orchestrator boots the engine: one scheduler goroutine per
// service, shared singleton clients (billing DB, agents DB, Mongo, Redis,
// providers), the health/metrics HTTP server and graceful shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mextic/recargas-sub000/internal/alerts"
	"github.com/mextic/recargas-sub000/internal/circuitbreaker"
	"github.com/mextic/recargas-sub000/internal/config"
	"github.com/mextic/recargas-sub000/internal/core"
	"github.com/mextic/recargas-sub000/internal/lock"
	"github.com/mextic/recargas-sub000/internal/monitoring"
	"github.com/mextic/recargas-sub000/internal/processor"
	"github.com/mextic/recargas-sub000/internal/provider"
	"github.com/mextic/recargas-sub000/internal/queue"
	"github.com/mextic/recargas-sub000/internal/retry"
	"github.com/mextic/recargas-sub000/internal/scheduler"
	"github.com/mextic/recargas-sub000/internal/store"
)

// Orchestrator owns every long-lived component; processors receive them by
// reference. There are no ambient globals.
type Orchestrator struct {
	cfg *config.Config
	loc *time.Location

	rdb       *redis.Client
	billing   *store.Store
	agents    *store.AgentsStore
	telemetry *store.TelemetryStore
	providers provider.Client
	alerter   alerts.Alerter
	webhook   *alerts.WebhookDispatcher
	pubsub    *alerts.PubSubSink
	metrics   *monitoring.Metrics

	processors []*processor.Processor
	runners    []*scheduler.Runner
	httpServer *http.Server
}

// New wires the full engine from config. Any failure here is a fatal
// startup error.
func New(cfg *config.Config) (*Orchestrator, error) {
	loc := cfg.Location()

	rdb, err := lock.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	billing, err := store.Connect(cfg.BillingDSN, loc)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		loc:     loc,
		rdb:     rdb,
		billing: billing,
		metrics: monitoring.NewMetrics(),
	}

	if cfg.Eliot.Enabled {
		if o.agents, err = store.ConnectAgents(cfg.AgentsDSN, loc); err != nil {
			return nil, err
		}
		if o.telemetry, err = store.ConnectTelemetry(cfg.MongoURI, cfg.MongoDB); err != nil {
			return nil, err
		}
	}

	o.providers = provider.NewHTTPClient(
		provider.Credentials{URL: cfg.Taecel.URL, Key: cfg.Taecel.Key, NIP: cfg.Taecel.NIP},
		provider.Credentials{URL: cfg.MST.URL, Key: cfg.MST.Key, NIP: cfg.MST.NIP},
		cfg.LockTTL/2,
	)

	o.alerter = o.buildAlerter()
	locks := lock.NewManager(rdb, cfg.LockTTL)
	breakers := map[provider.Name]*circuitbreaker.Breaker{
		provider.Taecel: circuitbreaker.New(circuitbreaker.DefaultConfig("taecel")),
		provider.MST:    circuitbreaker.New(circuitbreaker.DefaultConfig("mst")),
	}

	if err := o.buildProcessors(locks, breakers); err != nil {
		return nil, err
	}
	o.buildHTTP()
	return o, nil
}

func (o *Orchestrator) buildAlerter() alerts.Alerter {
	var sinks alerts.Multi
	if o.cfg.Alerts.WebhookURL != "" {
		o.webhook = alerts.NewWebhookDispatcher(o.cfg.Alerts.WebhookURL, 2)
		sinks = append(sinks, o.webhook)
	}
	if o.cfg.Alerts.PubSubProject != "" && o.cfg.Alerts.PubSubTopic != "" {
		sink, err := alerts.NewPubSubSink(o.cfg.Alerts.PubSubProject, o.cfg.Alerts.PubSubTopic)
		if err != nil {
			slog.Error("pubsub alert sink unavailable", "error", err)
		} else {
			o.pubsub = sink
			sinks = append(sinks, sink)
		}
	}
	if len(sinks) == 0 {
		return alerts.Nop{}
	}
	return sinks
}

func (o *Orchestrator) buildProcessors(locks *lock.Manager, breakers map[provider.Name]*circuitbreaker.Breaker) error {
	type serviceSpec struct {
		svc        core.Service
		cfg        config.ServiceConfig
		selector   processor.Selector
		postCommit func(ctx context.Context, it queue.Item, now time.Time) error
		schedule   scheduler.Schedule
	}

	var specs []serviceSpec
	if o.cfg.GPS.Enabled {
		specs = append(specs, serviceSpec{
			svc:      core.ServiceGPS,
			cfg:      o.cfg.GPS,
			selector: gpsSelector{store: o.billing, cfg: o.cfg.GPS},
			schedule: scheduler.Interval{Step: o.cfg.GPS.MinutesNoReport, Loc: o.loc},
		})
	}
	if o.cfg.VOZ.Enabled {
		var sched scheduler.Schedule
		if o.cfg.VOZ.ScheduleMode == config.ScheduleModeInterval {
			sched = scheduler.Interval{Step: o.cfg.VOZ.MinutesNoReport, Loc: o.loc}
		} else {
			sched = scheduler.FixedTimes{Times: o.cfg.VOZ.FixedTimes, Loc: o.loc}
		}
		specs = append(specs, serviceSpec{
			svc:      core.ServiceVOZ,
			cfg:      o.cfg.VOZ,
			selector: vozSelector{store: o.billing},
			schedule: sched,
		})
	}
	if o.cfg.Eliot.Enabled {
		agents := o.agents
		specs = append(specs, serviceSpec{
			svc: core.ServiceELIoT,
			cfg: o.cfg.Eliot,
			selector: eliotSelector{
				agents:    o.agents,
				telemetry: o.telemetry,
				daysLimit: o.cfg.Eliot.DaysLimit,
			},
			postCommit: func(ctx context.Context, it queue.Item, now time.Time) error {
				return agents.UpdateExpiry(ctx, it.Sim, it.Days, now)
			},
			schedule: scheduler.Interval{Step: o.cfg.Eliot.MinutesNoReport, Loc: o.loc},
		})
	}

	for _, spec := range specs {
		q, err := queue.Open(o.cfg.DataDir, spec.svc)
		if err != nil {
			return fmt.Errorf("open %s queue: %w", spec.svc, err)
		}
		p := processor.New(spec.svc, spec.cfg, o.cfg.DataDir, o.loc, processor.Deps{
			Locks:      locks,
			Queue:      q,
			Providers:  o.providers,
			Breakers:   breakers,
			Committer:  o.billing,
			Selector:   spec.selector,
			Executor:   retry.NewExecutor(o.alerter),
			Alerter:    o.alerter,
			Metrics:    o.metrics,
			PostCommit: spec.postCommit,
		})
		o.processors = append(o.processors, p)
		o.runners = append(o.runners, scheduler.NewRunner(string(spec.svc), spec.schedule,
			func(ctx context.Context) { p.RunCycle(ctx) }))
	}
	return nil
}

func (o *Orchestrator) buildHTTP() {
	router := mux.NewRouter()
	router.HandleFunc("/health", o.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	o.httpServer = &http.Server{
		Addr:         ":" + o.cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"status": "healthy"}
	check := func(name string, err error) {
		if err != nil {
			status[name] = "error"
			status["status"] = "degraded"
		} else {
			status[name] = "connected"
		}
	}
	check("billing", o.billing.Ping(ctx))
	check("redis", o.rdb.Ping(ctx).Err())
	if o.agents != nil {
		check("agents", o.agents.Ping(ctx))
	}
	if o.telemetry != nil {
		check("telemetry", o.telemetry.Ping(ctx))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Run performs the startup recovery pass, starts one scheduler per service
// and blocks until ctx is cancelled, then drains in-flight cycles.
func (o *Orchestrator) Run(ctx context.Context) error {
	// Startup recovery: reconcile every service's queue before the first
	// scheduled cycle. Each pass runs under the service lock; a busy lock
	// means another instance already owns the service.
	for _, p := range o.processors {
		if err := p.RecoverStartup(ctx); err != nil {
			slog.Error("startup recovery failed", "service", p.Service(), "error", err)
		}
	}

	go func() {
		slog.Info("health server listening", "addr", o.httpServer.Addr)
		if err := o.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	for _, r := range o.runners {
		r.Start(runCtx)
	}
	slog.Info("orchestrator running", "services", len(o.runners))

	<-ctx.Done()
	slog.Info("shutdown signal received, draining cycles")
	cancel()
	for _, r := range o.runners {
		<-r.Done()
	}
	o.shutdown()
	return nil
}

func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.httpServer.Shutdown(ctx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if o.webhook != nil {
		o.webhook.Close()
	}
	if o.pubsub != nil {
		o.pubsub.Close()
	}
	if o.telemetry != nil {
		o.telemetry.Close(ctx)
	}
	if o.agents != nil {
		o.agents.Close()
	}
	o.billing.Close()
	o.rdb.Close()
	slog.Info("orchestrator stopped")
}
