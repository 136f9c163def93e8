// Mailwarden triages a support mailbox: it drafts and reviews replies with an
// LLM, grounded on a hybrid retrieval index, and escalates to humans.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/mailwarden/internal/agents"
	"github.com/linnemanlabs/mailwarden/internal/app"
	"github.com/linnemanlabs/mailwarden/internal/authmw"
	mc "github.com/linnemanlabs/mailwarden/internal/cfg"
	"github.com/linnemanlabs/mailwarden/internal/escalation"
	"github.com/linnemanlabs/mailwarden/internal/escalation/amqpqueue"
	"github.com/linnemanlabs/mailwarden/internal/llm"
	"github.com/linnemanlabs/mailwarden/internal/mailbox"
	"github.com/linnemanlabs/mailwarden/internal/notify/slack"
	"github.com/linnemanlabs/mailwarden/internal/postgres"
	"github.com/linnemanlabs/mailwarden/internal/rag"
	"github.com/linnemanlabs/mailwarden/internal/status"
	"github.com/linnemanlabs/mailwarden/internal/taskapi"
	"github.com/linnemanlabs/mailwarden/internal/triage"
)

const appName = "mailwarden"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    mc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars below only fill what the cmdline left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "MAILWARDEN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"api_auth", appCfg.APIToken != "",
		"llm_provider", appCfg.LLMProvider,
		"embedding_model", appCfg.EmbeddingModel,
		"imap_host", appCfg.IMAPHost,
		"imap_mailbox", appCfg.IMAPMailbox,
		"smtp_host", appCfg.SMTPHost,
		"idle_seconds", appCfg.IdleSeconds,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Profiling first so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}

	// Tag spans with profile ids so traces link to the matching flame graphs.
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailwarden_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "operation", "outcome"})
	escalationDispositions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailwarden_escalation_dispositions_total",
		Help: "Escalation queue deliveries by disposition.",
	}, []string{"disposition"})
	m.Registry().MustRegister(dbQueryDuration, escalationDispositions)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, operation, outcome).Observe(dur.Seconds())
		},
	))

	// Persistence
	var pool *pgxpool.Pool
	if appCfg.DatabaseURL != "" {
		pool, err = postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.WithVector())
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
	}
	st, err := app.OpenStores(ctx, &appCfg, pool)
	if err != nil {
		return err
	}
	L.Info(ctx, "stores ready", "backend", st.Backend,
		"chunk_collection", appCfg.ChunkCollection, "question_collection", appCfg.QuestionCollection)

	statusStore, statusBackend, closeStatus, err := openStatusStore(ctx, &appCfg, L)
	if err != nil {
		return fmt.Errorf("status store: %w", err)
	}
	recorder := status.NewRecorder(statusStore, L)
	L.Info(ctx, "status store ready", "backend", statusBackend, "retention_days", appCfg.StatusRetentionDays)

	// Models
	provider, model, err := app.NewProvider(&appCfg, llm.NewMetrics(m.Registry()))
	if err != nil {
		return err
	}
	L.Info(ctx, "initialized LLM provider", "provider", appCfg.LLMProvider, "model", model)
	ag := agents.New(provider)

	ragMetrics := rag.NewMetrics(m.Registry())
	retrieval := rag.NewEngine(app.NewEmbedder(&appCfg), ag, st.Chunks, st.Questions, st.Meta, rag.Options{
		ChunkSize:    appCfg.ChunkSize,
		ChunkOverlap: appCfg.ChunkOverlap,
		TopK:         appCfg.RetrievalTopK,
		TopN:         appCfg.RerankTopN,
		MinScore:     appCfg.RerankMinScore,
	}, L, ragMetrics.Hooks())

	// Escalation: publish -> consume -> task store
	consumer := escalation.NewConsumer(st.Tasks, L, appCfg.MaxRedeliveries)
	consumer.OnDisposition(func(d escalation.Disposition) {
		escalationDispositions.WithLabelValues(d.String()).Inc()
	})
	if appCfg.SlackWebhookURL != "" {
		consumer.OnStored(slack.New(appCfg.SlackWebhookURL, L).OnStored)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	var escalator triage.Escalator
	consumerDone := make(chan struct{})
	closeQueue := func(context.Context) error { return nil }
	if appCfg.AMQPURL != "" {
		q, err := amqpqueue.Dial(appCfg.AMQPURL, appCfg.AMQPQueue, L)
		if err != nil {
			return fmt.Errorf("amqp queue: %w", err)
		}
		closeQueue = func(context.Context) error { return q.Close() }
		escalator = q
		go func() {
			defer close(consumerDone)
			if err := q.Consume(postgres.WithOrigin(ctx, postgres.OriginConsumer), consumer); err != nil {
				L.Error(ctx, err, "escalation consumer stopped")
				stop()
			}
		}()
		L.Info(ctx, "escalation queue ready", "type", "amqp", "queue", appCfg.AMQPQueue)
	} else {
		escalator = escalation.NewLocalQueue(consumer)
		close(consumerDone)
		L.Info(ctx, "escalation queue ready", "type", "local")
	}

	// Mailbox
	inbox := mailbox.NewSource(mailbox.IMAPOptions{
		Host:     appCfg.IMAPHost,
		Port:     appCfg.IMAPPort,
		Username: appCfg.IMAPUsername,
		Password: appCfg.IMAPPassword,
		Mailbox:  appCfg.IMAPMailbox,
		Lookback: appCfg.Lookback(),
		MaxBatch: appCfg.MaxBatch,
	}, recorder, L)

	smtpUser, smtpPass, smtpFrom := appCfg.SMTPIdentity()
	sender, err := mailbox.NewSender(mailbox.SMTPOptions{
		Host:     appCfg.SMTPHost,
		Port:     appCfg.SMTPPort,
		Username: smtpUser,
		Password: smtpPass,
		From:     smtpFrom,
		FromName: appCfg.SMTPFromName,
	}, L)
	if err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}

	// Triage engine
	triageMetrics := triage.NewMetrics(m.Registry())
	engine := triage.NewEngine(triage.Deps{
		Inbox:        inbox,
		Classifier:   ag,
		QueryBuilder: ag,
		Retriever:    retrieval,
		Drafter:      ag,
		Reviewer:     ag,
		Dispatcher:   sender,
		Escalator:    escalator,
		Status:       recorder,
	}, triage.Options{IdleInterval: appCfg.IdleInterval()}, L, triageMetrics.Hooks())

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(postgres.WithOrigin(ctx, postgres.OriginTriage)); err != nil {
			L.Error(ctx, err, "triage engine stopped")
			stop()
		}
	}()

	// fail readiness during shutdown to drain connections from the load balancer
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries from API handlers with their route.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithOrigin(req.Context(), postgres.OriginAPI)))
		})
	})

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 64))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(appCfg.APIToken))
		taskapi.New(L, st.Tasks, recorder).RegisterRoutes(r)
	})

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start task api http listener")
		_ = opsHTTPStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Per-component budget sliced from the total. The engine finishes its
	// current step before the queue and stores it writes to are closed.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"task api http server", apiHTTPStop},
		{"triage engine", waitFor(engineDone)},
		{"escalation consumer", waitFor(consumerDone)},
		{"escalation queue", closeQueue},
		{"status store", closeStatus},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}
