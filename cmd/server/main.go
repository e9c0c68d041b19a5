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

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/topupstore/internal/cfg"
	"github.com/keithlinneman/topupstore/internal/health"
	"github.com/keithlinneman/topupstore/internal/httpmw"
	"github.com/keithlinneman/topupstore/internal/httpserver"
	"github.com/keithlinneman/topupstore/internal/log"
	"github.com/keithlinneman/topupstore/internal/metrics"
	"github.com/keithlinneman/topupstore/internal/opshttp"
	"github.com/keithlinneman/topupstore/internal/otelx"
	"github.com/keithlinneman/topupstore/internal/prof"
	"github.com/keithlinneman/topupstore/internal/ratelimit"
	v "github.com/keithlinneman/topupstore/internal/version"
)

const (
	component = "server"
	envPrefix = "TOPUP_"

	// proof uploads can spend several seconds in OCR, and the load balancer
	// needs a few failed readiness checks before it stops routing here
	drainPeriod     = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	vi := v.Get()

	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "print version and build information and exit")
	envFile := flag.String("env-file", ".env", "optional dotenv file read before "+envPrefix+" environment variables")
	flag.Parse()

	if *showVersion {
		fmt.Println(vi.String())
		return 0
	}
	if err := loadConfig(*envFile, &conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	lg, err := newLogger(conf, vi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", component)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)
	logStartup(ctx, L, conf, vi)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Contention:    conf.PyroContention,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "profiling start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost, so the exporter skips TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, traces stay local")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		L.Error(ctx, err, "load aws config")
		return 1
	}

	sf, err := buildStorefront(ctx, conf, awsCfg, L, m)
	if err != nil {
		L.Error(ctx, err, "storefront startup failed")
		return 1
	}
	defer func() {
		if err := sf.close(); err != nil {
			L.Error(context.Background(), err, "storefront close")
		}
	}()

	// readiness fails first on shutdown, then on any backing store
	var gate health.ShutdownGate
	readiness := health.All(append([]health.Probe{gate.Probe()}, sf.readiness...)...)

	flood := ratelimit.NewFloodGuard(ctx,
		ratelimit.WithFloodRate(conf.FloodRate, conf.FloodBurst),
		ratelimit.WithMaxClients(conf.FloodMaxVisitors),
		ratelimit.WithOnDenied(func(ip string, first bool) {
			m.IncRateLimitDenied()
			if first {
				L.Warn(ctx, "flood guard triggered", "client_ip", ip)
			}
		}),
		ratelimit.WithOnFull(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "flood guard full, refusing new addresses until idle ones are evicted")
		}),
	)

	stopAPI, err := httpserver.Start(ctx, httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    func(r chi.Router) { sf.api.RegisterRoutes(r) },
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  flood.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Logger:       L,
	})
	if err != nil {
		L.Error(ctx, err, "start api listener")
		return 1
	}

	// the ops port also refuses public peers, the security group is the
	// first line
	stopOps, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Handlers: map[string]http.Handler{
			"/debug/proof-rules": opshttp.YAMLHandler(func() any { return sf.rules.Rules() }),
		},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "start ops listener")
		_ = stopAPI(context.Background())
		return 1
	}

	if err := sdNotify("READY=1"); err != nil && !errors.Is(err, errNoNotifySocket) {
		// systemd kills the unit after its start timeout, keep serving until then
		L.Warn(ctx, "systemd readiness notify failed", "err", err)
	}

	<-ctx.Done()
	stop()
	drain(L, &gate)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stopAPI(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "api server shutdown")
	}
	if err := stopOps(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "ops server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "otel shutdown")
	}
	L.Info(shutdownCtx, "shutdown complete")
	return 0
}

// loadConfig layers .env, TOPUP_ variables and flags, then validates.
// Precedence is flag, then real environment, then .env, then default.
func loadConfig(envFile string, conf *cfg.App) error {
	if err := cfg.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	return cfg.Validate(*conf)
}

// newLogger expects levels already checked by cfg.Validate
func newLogger(conf cfg.App, vi *v.Info) (log.Logger, error) {
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	return log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
}

func logStartup(ctx context.Context, L log.Logger, conf cfg.App, vi *v.Info) {
	L.Info(ctx, "starting storefront",
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"tracing", conf.EnableTracing,
		"profiling", conf.EnablePyroscope,
		"trusted_hops", conf.TrustedHops,
		"db_path", conf.DBPath,
		"payment_window", conf.PaymentWindow,
		"admission_store", conf.AdmissionStore,
		"admission", fmt.Sprintf("%d per %s, lockout %s", ratelimit.DefaultMaxPerWindow, ratelimit.DefaultWindow, ratelimit.DefaultLockout),
		"proof_bucket", conf.ProofS3Bucket,
		"proof_rules_file", conf.ProofRulesFile,
		"telegram", conf.TelegramChatID != "",
		"order_tokens_kms", conf.OrderTokenKeyARN != "",
	)
}

// drain closes readiness and waits out drainPeriod so the load balancer
// stops routing orders here before the listeners close. A second signal cuts
// the wait short.
func drain(L log.Logger, gate *health.ShutdownGate) {
	ctx := context.Background()
	gate.Set("draining")
	_ = sdNotify("STOPPING=1")
	L.Info(ctx, "draining", "period", drainPeriod)

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	select {
	case <-time.After(drainPeriod):
	case <-again:
		L.Warn(ctx, "second signal, skipping drain")
	}
}
