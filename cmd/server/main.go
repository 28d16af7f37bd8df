package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-cms/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-cms/internal/content"
	"github.com/keithlinneman/linnemanlabs-cms/internal/contenthttp"
	"github.com/keithlinneman/linnemanlabs-cms/internal/health"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-cms/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-cms/internal/log"
	"github.com/keithlinneman/linnemanlabs-cms/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-cms/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-cms/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-cms/internal/prof"
	"github.com/keithlinneman/linnemanlabs-cms/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-cms/internal/secrets"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store/ghstore"
	"github.com/keithlinneman/linnemanlabs-cms/internal/store/memstore"
	v "github.com/keithlinneman/linnemanlabs-cms/internal/version"
)

const drainPeriod = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from CMS_ env vars, plus the unprefixed names older deployments use
	cfg.FillFromEnv(flag.CommandLine, "CMS_", cfg.EnvAliases, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	L, err := log.New(log.Options{
		App:               v.AppName,
		Component:         "server",
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = L.Sync() }()
	ctx = log.WithContext(ctx, L)

	// secrets are never logged, only whether they came from SSM
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"store_backend", conf.StoreBackend,
		"store_owner", conf.StoreOwner,
		"store_repo", conf.StoreRepo,
		"store_branch", conf.StoreBranch,
		"store_path", conf.StorePath,
		"store_api_url", conf.StoreAPIURL,
		"store_timeout", conf.StoreTimeout,
		"route", conf.Route,
		"allowed_origin", conf.AllowedOrigin,
		"max_body_bytes", conf.MaxBodyBytes,
		"trusted_hops", conf.TrustedHops,
		"rate_limit_per_second", conf.RateLimitPerSecond,
		"rate_limit_burst", conf.RateLimitBurst,
		"admin_secret_ssm_param", conf.AdminSecretSSMParam,
		"store_token_ssm_param", conf.StoreTokenSSMParam,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
		stopProf = func() {}
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfo("server", vi)

	// pull secrets from SSM when configured; values from flags/env are replaced
	refs := []secrets.Ref{
		{Param: conf.AdminSecretSSMParam, Dest: &conf.AdminSecret},
		{Param: conf.StoreTokenSSMParam, Dest: &conf.StoreToken},
	}
	if secrets.Needed(refs...) {
		ps, err := secrets.NewDefaultParameterStore(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to create SSM client")
			os.Exit(1)
		}
		if err := secrets.Fill(ctx, ps, refs...); err != nil {
			L.Error(ctx, err, "failed to load secrets from SSM")
			os.Exit(1)
		}
		L.Info(ctx, "loaded secrets from SSM")
	}

	st, err := newStore(ctx, conf, L, m)
	if err != nil {
		L.Error(ctx, err, "failed to create content store")
		os.Exit(1)
	}

	gw, err := content.NewGateway(content.Options{
		Store:         st,
		AdminSecret:   conf.AdminSecret,
		Branch:        conf.StoreBranch,
		Path:          conf.StorePath,
		CommitMessage: conf.CommitMessage,
		Logger:        L,
		Metrics:       m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create content gateway")
		os.Exit(1)
	}

	api := contenthttp.NewAPI(gw, contenthttp.Options{
		Route:  conf.Route,
		Logger: L,
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready while not draining and the store answers; the store check is
	// cached so probes do not spend the GitHub rate limit
	readiness := health.All(
		gate.Probe(),
		health.Cached(health.CheckFunc(func(ctx context.Context) error {
			_, err := gw.Read(ctx)
			return err
		}), 30*time.Second),
	)

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitPerSecond, conf.RateLimitBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:    L,
		Port:      conf.HTTPPort,
		Routes:    api.RegisterRoutes,
		Health:    health.Fixed(true, ""),
		Readiness: readiness,
		CORS: httpmw.CORSOptions{
			AllowOrigin: conf.AllowedOrigin,
		},
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// admin/ops listener serves metrics, health checks and pprof; keep it off the public network
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	stopProf()

	L.Info(bg, "shutdown complete")
}

func newStore(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics) (store.Store, error) {
	if conf.StoreBackend == cfg.BackendMemory {
		L.Warn(ctx, "using in-memory store, content is lost on restart")
		return memstore.New(), nil
	}
	return ghstore.New(ctx, ghstore.Options{
		Owner:     conf.StoreOwner,
		Repo:      conf.StoreRepo,
		Token:     conf.StoreToken,
		BaseURL:   conf.StoreAPIURL,
		UserAgent: v.AppName + "/" + v.Version,
		Timeout:   conf.StoreTimeout,
		Observer:  m,
		Logger:    L.With("component", "ghstore"),
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
