// carrotd is the CARROT regression-testing server. It serves the REST API
// and, on whichever replica wins the Postgres advisory lock, runs the
// background collaborators that drive runs, builds, run groups, and reports
// to completion (spec.md §4, §5).
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/api"
	"github.com/rat-data/rat/platform/internal/auth"
	"github.com/rat-data/rat/platform/internal/buildcoordinator"
	"github.com/rat-data/rat/platform/internal/config"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
	carrotgit "github.com/rat-data/rat/platform/internal/git"
	"github.com/rat-data/rat/platform/internal/github"
	"github.com/rat-data/rat/platform/internal/leader"
	"github.com/rat-data/rat/platform/internal/notify"
	"github.com/rat-data/rat/platform/internal/postgres"
	"github.com/rat-data/rat/platform/internal/reporttrigger"
	"github.com/rat-data/rat/platform/internal/rungroup"
	"github.com/rat-data/rat/platform/internal/runsubmitter"
	"github.com/rat-data/rat/platform/internal/statusmanager"
	"github.com/rat-data/rat/platform/internal/storage"
	"google.golang.org/api/option"
)

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("API_HOST"); addr != "" {
		if net.ParseIP(addr) == nil && addr != "localhost" {
			errs = append(errs, fmt.Sprintf("API_HOST=%q: must be an IP address or \"localhost\"", addr))
		}
	}
	if port := os.Getenv("API_PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("API_PORT=%q: must be a valid port number", port))
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}
	if addr := os.Getenv("ENGINE_ADDRESS"); addr != "" {
		if _, err := url.ParseRequestURI(addr); err != nil {
			errs = append(errs, fmt.Sprintf("ENGINE_ADDRESS=%q: must be a valid URL (%v)", addr, err))
		}
	}
	for _, name := range []string{"ENGINE_CALL_TIMEOUT"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}
	if os.Getenv("WDL_STORAGE_LOCAL_DIR") == "" && os.Getenv("WDL_STORAGE_GS_PREFIX") == "" {
		errs = append(errs, "one of WDL_STORAGE_LOCAL_DIR or WDL_STORAGE_GS_PREFIX must be set")
	}

	return errs
}

// warnDefaultCredentials logs security warnings when S3 or Postgres
// credentials appear to be well-known defaults — safe for local
// development, dangerous in production.
func warnDefaultCredentials() {
	s3Access := os.Getenv("S3_ACCESS_KEY")
	s3Secret := os.Getenv("S3_SECRET_KEY")
	if s3Access == "minioadmin" || s3Secret == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil && u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			if (user == "carrot" && pass == "carrot") || (user == "postgres" && pass == "postgres") {
				slog.Warn("database credentials appear to be defaults — change these for production deployments",
					"user", user)
			}
		}
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /carrotd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(api.NewContextHandler(baseHandler))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.DefaultLevel)); err != nil {
		slog.Warn("invalid log level, using info", "level", cfg.Log.DefaultLevel)
	}
	logger = slog.New(api.NewContextHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	srv := &api.Server{}

	if apiKey := os.Getenv("CARROT_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}

	// Shutdown hooks — populated below, called in order during graceful shutdown.
	var (
		stopLeader     func()
		stopBackground func()
		stopEventBus   func()
		closePool      func()
	)

	ctx := context.Background()

	var pool *pgxpool.Pool
	var eventBus *postgres.PgEventBus
	var runTransitioner *postgres.RunTransitioner
	var pipelineStore *postgres.PipelineStore
	var templateStore *postgres.TemplateStore
	var testStore *postgres.TestStore
	var softwareStore *postgres.SoftwareStore
	var runStore *postgres.RunStore
	var runResultStore *postgres.RunResultStore
	var runErrorStore *postgres.RunErrorStore
	var runGroupStore *postgres.RunGroupStore
	var templateResultStore *postgres.TemplateResultStore
	var reportStore *postgres.ReportStore
	var reportMapStore *postgres.ReportMapStore
	var subscriptionStore *postgres.SubscriptionStore
	var wdlHashStore *postgres.WDLHashStore

	if dbURL := cfg.DB.DatabaseURL; dbURL != "" {
		var poolErr error
		pool, poolErr = postgres.NewPool(ctx, dbURL)
		if poolErr != nil {
			slog.Error("failed to connect to database", "error", poolErr)
			os.Exit(1)
		}
		closePool = func() { pool.Close() }

		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		eventBus = postgres.NewPgEventBus(pool)
		if err := eventBus.Start(ctx); err != nil {
			slog.Warn("event bus failed to start, continuing without instant events", "error", err)
			eventBus = nil
		} else {
			stopEventBus = func() { eventBus.Stop() }
		}

		runTransitioner = postgres.NewRunTransitioner(pool)
		pipelineStore = postgres.NewPipelineStore(pool)
		templateStore = postgres.NewTemplateStore(pool)
		testStore = postgres.NewTestStore(pool)
		softwareStore = postgres.NewSoftwareStore(pool)
		runStore = postgres.NewRunStore(pool)
		runResultStore = postgres.NewRunResultStore(pool)
		runErrorStore = postgres.NewRunErrorStore(pool)
		runGroupStore = postgres.NewRunGroupStore(pool)
		templateResultStore = postgres.NewTemplateResultStore(pool)
		reportStore = postgres.NewReportStore(pool)
		reportMapStore = postgres.NewReportMapStore(pool)
		subscriptionStore = postgres.NewSubscriptionStore(pool)
		wdlHashStore = postgres.NewWDLHashStore(pool)

		if eventBus != nil {
			runTransitioner.EventBus = eventBus
		}

		srv.Pipelines = pipelineStore
		srv.Templates = templateStore
		srv.Tests = testStore
		srv.Software = softwareStore
		srv.Runs = runStore
		srv.RunResults = runResultStore
		srv.RunErrors = runErrorStore
		srv.RunGroups = runGroupStore
		srv.Reports = reportStore
		srv.ReportMaps = reportMapStore
		srv.Subscriptions = subscriptionStore

		srv.DBHealth = postgres.NewHealthChecker(pool)
		slog.Info("postgres stores initialized")
	} else {
		slog.Warn("DATABASE_URL not set, running without persistence")
	}

	wdlStore, err := storage.New(ctx, storage.Config{
		LocalDir:    cfg.WDL.LocalDir,
		GSPrefix:    cfg.WDL.GSPrefix,
		S3Endpoint:  cfg.WDL.S3Endpoint,
		S3AccessKey: cfg.WDL.S3AccessKey,
		S3SecretKey: cfg.WDL.S3SecretKey,
		S3Bucket:    cfg.WDL.S3Bucket,
		S3UseSSL:    cfg.WDL.S3UseSSL,
	})
	if err != nil {
		slog.Error("failed to initialize WDL storage", "error", err)
		os.Exit(1)
	}
	if s3Store, ok := wdlStore.(*storage.S3Store); ok {
		srv.StorageHealth = storage.NewHealthChecker(s3Store)
	}
	slog.Info("wdl storage initialized")

	var eng engine.Engine
	if cfg.Engine.Address != "" {
		cromwell := engine.NewCromwellClient(cfg.Engine.Address, cfg.Engine.CallTimeout)
		eng = cromwell
		srv.EngineHealth = engine.NewHealthChecker(cromwell)
	} else {
		slog.Warn("ENGINE_ADDRESS not set, running without a workflow engine")
	}

	// commenter stays a nil interface (not a typed nil pointer) when GitHub
	// commenting is disabled, so every collaborator's "commenter == nil"
	// check works correctly.
	var githubClient *github.Client
	var groupCommenter rungroup.Commenter
	var notifyCommenter notify.Commenter
	if cfg.GitHub.Enabled && cfg.GitHub.Token != "" {
		githubClient = github.New(cfg.GitHub.Token)
		groupCommenter = githubClient
		notifyCommenter = githubClient
		slog.Info("github commenting enabled")
	}

	var mirrors *carrotgit.Mirrors
	if cfg.Build.Enabled {
		mirrors, err = carrotgit.NewMirrors(cfg.Build.GitMirrorRoot)
		if err != nil {
			slog.Error("failed to initialize git mirror root", "error", err)
			os.Exit(1)
		}
	}

	var images runsubmitter.ImageResolver
	if softwareStore != nil && mirrors != nil && eng != nil {
		images = buildcoordinator.New(softwareStore, mirrors, eng)
	}

	var submitter *runsubmitter.Submitter
	if runStore != nil && runTransitioner != nil && runResultStore != nil && templateResultStore != nil && wdlHashStore != nil && eng != nil {
		submitter = runsubmitter.New(runStore, runTransitioner, runResultStore, templateResultStore, wdlHashStore, wdlStore, eng, images)
		srv.Submitter = submitter
	}

	// startBackgroundWorkers launches the status manager, run group
	// coordinator, GitHub pubsub puller, report trigger, and report poller.
	// Called directly when no leader election is needed, or by the leader
	// elector when this replica wins the advisory lock.
	startBackgroundWorkers := func(ctx context.Context) func() {
		var stopStatusManager, stopNotify, stopGroupCoordinator, stopPuller, stopTrigger, stopReportPoller func()

		if runStore != nil && softwareStore != nil && testStore != nil && runTransitioner != nil && submitter != nil && eng != nil {
			sm := statusmanager.New(runStore, softwareStore, testStore, runStore, runTransitioner, submitter, eng,
				cfg.Engine.SweepInterval, cfg.Engine.MaxTransientRetries)
			sm.Start(ctx)
			stopStatusManager = sm.Stop
			slog.Info("status manager started", "sweep_interval", cfg.Engine.SweepInterval)
		}

		if testStore != nil && templateStore != nil && subscriptionStore != nil && runResultStore != nil && runErrorStore != nil && eventBus != nil && runStore != nil {
			notifier := notify.New(notify.Mode(cfg.Email.Mode), cfg.Email.From,
				notify.SMTPConfig{Domain: cfg.Email.SMTPDomain, Username: cfg.Email.SMTPUsername, Password: cfg.Email.SMTPPassword},
				cfg.Email.SendmailPath, cfg.API.Domain,
				testStore, templateStore, subscriptionStore, runResultStore, runErrorStore, notifyCommenter)
			stopNotify = startNotifyDispatch(ctx, eventBus, runStore, notifier)
			slog.Info("notifier dispatch started", "mode", cfg.Email.Mode)
		}

		if runStore != nil && runGroupStore != nil && runTransitioner != nil && eventBus != nil {
			coordinator := rungroup.New(runStore, runGroupStore, runTransitioner, groupCommenter, eventBus)
			coordinator.Start(ctx)
			stopGroupCoordinator = coordinator.Stop
			slog.Info("run group coordinator started")
		}

		if cfg.GitHub.Enabled && cfg.GitHub.PubsubSubscription != "" && testStore != nil && templateStore != nil && softwareStore != nil && runStore != nil && runGroupStore != nil {
			var psOpts []option.ClientOption
			if cfg.GCloud.ServiceAccountKeyPath != "" {
				psOpts = append(psOpts, option.WithCredentialsFile(cfg.GCloud.ServiceAccountKeyPath))
			}
			psClient, err := pubsub.NewClient(ctx, os.Getenv("GCLOUD_PROJECT_ID"), psOpts...)
			if err != nil {
				slog.Error("failed to create pubsub client, github pr ingestion disabled", "error", err)
			} else {
				sub := psClient.Subscription(cfg.GitHub.PubsubSubscription)
				puller := rungroup.NewPuller(sub, cfg.GitHub.MaxMessagesPerPull, cfg.GitHub.PullInterval,
					testStore, templateStore, softwareStore, runStore, runGroupStore, groupCommenter)
				puller.Start(ctx)
				stopPuller = puller.Stop
				slog.Info("github pr puller started", "subscription", cfg.GitHub.PubsubSubscription)
			}
		}

		if cfg.Report.Enabled && runStore != nil && testStore != nil && reportStore != nil && reportMapStore != nil && runGroupStore != nil && runResultStore != nil && eng != nil && eventBus != nil {
			trigger := reporttrigger.New(runStore, testStore, reportStore, reportStore, reportMapStore, runGroupStore,
				runResultStore, wdlStore, cfg.Report.StoragePrefix, cfg.Report.DockerImage, eng, eventBus)
			trigger.Start(ctx)
			stopTrigger = trigger.Stop
			slog.Info("report trigger started")

			poller := reporttrigger.NewPoller(reportMapStore, eng, cfg.Engine.SweepInterval)
			poller.Start(ctx)
			stopReportPoller = poller.Stop
			slog.Info("report poller started")
		}

		return func() {
			if stopStatusManager != nil {
				stopStatusManager()
				slog.Info("status manager stopped")
			}
			if stopGroupCoordinator != nil {
				stopGroupCoordinator()
				slog.Info("run group coordinator stopped")
			}
			if stopPuller != nil {
				stopPuller()
				slog.Info("github pr puller stopped")
			}
			if stopTrigger != nil {
				stopTrigger()
				slog.Info("report trigger stopped")
			}
			if stopReportPoller != nil {
				stopReportPoller()
				slog.Info("report poller stopped")
			}
			if stopNotify != nil {
				stopNotify()
			}
		}
	}

	// Background workers run on at most one replica to avoid duplicate run
	// submissions and report generations. SCHEDULER_ENABLED=false runs a
	// pure API-only replica.
	schedulerEnabled := os.Getenv("SCHEDULER_ENABLED") != "false"
	switch {
	case !schedulerEnabled:
		slog.Info("background workers disabled (SCHEDULER_ENABLED=false)")
	case pool != nil:
		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector := leader.New(tryLock, leader.RetryInterval, startBackgroundWorkers)
		elector.Start(ctx)
		stopLeader = elector.Stop
		slog.Info("leader election started (advisory lock)")
	default:
		stopBackground = startBackgroundWorkers(ctx)
	}

	warnDefaultCredentials()

	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	if rl := os.Getenv("RATE_LIMIT"); rl != "0" {
		rlCfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	router := api.NewRouter(srv)

	addr := net.JoinHostPort(cfg.API.Host, cfg.API.Port)
	if strings.HasPrefix(cfg.API.Host, "0.0.0.0") && os.Getenv("CARROT_API_KEY") == "" {
		slog.Warn("listening on 0.0.0.0 without CARROT_API_KEY — API is unauthenticated and accessible from the network")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	tlsCertFile := os.Getenv("TLS_CERT_FILE")
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")

	errCh := make(chan error, 1)
	if tlsCertFile != "" && tlsKeyFile != "" {
		go func() { errCh <- httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile) }()
		slog.Info("starting carrotd (HTTPS)", "addr", addr)
	} else {
		go func() { errCh <- httpServer.ListenAndServe() }()
		slog.Info("starting carrotd", "addr", addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	if stopLeader != nil {
		stopLeader()
		slog.Info("leader elector stopped")
	}
	if stopBackground != nil {
		stopBackground()
		slog.Info("background workers stopped")
	}
	if stopEventBus != nil {
		stopEventBus()
		slog.Info("event bus stopped")
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}
	if closePool != nil {
		closePool()
		slog.Info("database pool closed")
	}

	slog.Info("carrotd shutdown complete")
}

// runLookup is the narrow run-fetch surface startNotifyDispatch needs.
type runLookup interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
}

// startNotifyDispatch subscribes to run_transitioned events and dispatches
// notifier.OnTerminal for every run that just reached a terminal state
// (spec.md §4.7), mirroring the subscribe-loop shape used by
// rungroup.Coordinator and reporttrigger.Trigger.
func startNotifyDispatch(ctx context.Context, bus postgres.EventBus, runs runLookup, notifier *notify.Notifier) func() {
	ch, cancel := bus.Subscribe(postgres.ChannelRunTransitioned)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				var payload postgres.RunTransitionedPayload
				if err := json.Unmarshal(event.Payload, &payload); err != nil {
					slog.Warn("notify: invalid run_transitioned payload", "error", err)
					continue
				}
				if !domain.RunStatus(payload.Status).Terminal() {
					continue
				}
				runID, err := uuid.Parse(payload.RunID)
				if err != nil {
					slog.Warn("notify: invalid run id in event", "run_id", payload.RunID, "error", err)
					continue
				}
				run, err := runs.GetRun(ctx, runID)
				if err != nil || run == nil {
					slog.Error("notify: failed to load run", "run_id", runID, "error", err)
					continue
				}
				if err := notifier.OnTerminal(ctx, run); err != nil {
					slog.Error("notify: failed to dispatch notifications", "run_id", runID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
