package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/jveski/warden/internal/api"
	"github.com/jveski/warden/internal/config"
	"github.com/jveski/warden/internal/lifecycle"
	"github.com/jveski/warden/internal/logging"
	"github.com/jveski/warden/internal/metrics"
	"github.com/jveski/warden/internal/registry"
	"github.com/jveski/warden/internal/rpc"
	"github.com/jveski/warden/internal/runtime"
	"github.com/jveski/warden/internal/supervisor"
)

func main() {
	var verbosity int
	app := &cli.App{
		Name:  "wardend",
		Usage: "Keep this host's workloads running the latest published image and collect their metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the `warden.toml` config file",
				Value:   "warden.toml",
				EnvVars: []string{"WARDEN_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "increase log verbosity, repeat for more (-vv, -vvv)",
				Count:   &verbosity,
			},
			&cli.StringFlag{
				Name:    "runtime",
				Usage:   "container runtime, `docker` or `podman` (overrides runtime.kind)",
				EnvVars: []string{"WARDEN_RUNTIME"},
			},
			&cli.StringFlag{
				Name:    "docker-host",
				Usage:   "docker daemon address (overrides runtime.host)",
				EnvVars: []string{"DOCKER_HOST"},
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, verbosity)
		},
		Commands: []*cli.Command{
			{
				Name:  "validate",
				Usage: "Check the config file and exit without starting anything",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					fmt.Printf("%d workloads, %d watched, %d scrape targets\n", len(cfg.Workloads), len(cfg.Supervisor.Watch), len(cfg.Targets()))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if kind := c.String("runtime"); kind != "" {
		cfg.Runtime.Kind = kind
	}
	if host := c.String("docker-host"); host != "" {
		cfg.Runtime.Host = host
	}
	return cfg, config.Validate(cfg)
}

func run(c *cli.Context, verbosity int) error {
	log := logging.Init("wardend", verbosity)

	// configuration problems are fatal before any workload is touched
	cfg, err := loadConfig(c)
	if err != nil {
		verr := &api.ValidationError{}
		if errors.As(err, &verr) {
			for _, problem := range verr.Problems {
				log.Error().Str("problem", problem).Msg("invalid configuration")
			}
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, closeRuntime, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	store, err := metrics.OpenStore(cfg.Aggregator.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("error while closing metrics store")
		}
	}()

	exporter := metrics.NewExporter()
	manager := lifecycle.NewManager(rt, nil, exporter, lifecycle.Options{
		ProbeInterval:   cfg.Lifecycle.ProbeInterval,
		ReadyTimeout:    cfg.Supervisor.ReadyTimeout,
		RestartDelay:    cfg.Lifecycle.RestartDelay,
		MaxRestartDelay: cfg.Lifecycle.MaxRestartDelay,
	}, log)

	sup := supervisor.New(cfg.Workloads, rt, manager, registry.NewClient(), exporter, supervisor.Options{
		Watch:        cfg.Supervisor.Watch,
		PollInterval: cfg.Supervisor.PollInterval,
		GracePeriod:  cfg.Supervisor.GracePeriod,
		ReadyTimeout: cfg.Supervisor.ReadyTimeout,
		PullTimeout:  cfg.Supervisor.PullTimeout,
	}, log)

	agg := metrics.NewAggregator(cfg.Targets(), store, exporter, metrics.Options{
		Timeout:   cfg.Aggregator.Timeout,
		Retention: cfg.Aggregator.Retention,
	}, log)

	if err := sup.BringUp(ctx); err != nil {
		log.Error().Err(err).Msg("not every workload came up")
	}

	servers, err := startServers(cfg, sup, manager, agg, store, exporter, log)
	if err != nil {
		manager.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		agg.Run(ctx)
	}()

	log.Warn().Int("workloads", len(cfg.Workloads)).Strs("watch", cfg.Supervisor.Watch).Msg("warden is running")
	<-ctx.Done()
	log.Warn().Msg("shutting down")

	// new work stops first, then in-flight replacements and scrapes finish, then the workloads themselves
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	for _, svr := range servers {
		svr.Shutdown(shutdownCtx)
	}
	cancel()
	wg.Wait()

	if !cfg.StopWorkloadsOnExit() {
		manager.Close()
		log.Warn().Msg("leaving workloads running")
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.GracePeriod+time.Minute)
	defer cancel()
	if err := manager.Shutdown(stopCtx, cfg.Supervisor.GracePeriod); err != nil {
		log.Error().Err(err).Msg("error while stopping workloads")
		return err
	}
	log.Warn().Msg("stopped all workloads")
	return nil
}

func newRuntime(ctx context.Context, cfg *config.Config, log zerolog.Logger) (runtime.Runtime, func(), error) {
	switch cfg.Runtime.Kind {
	case "podman":
		return runtime.NewPodman(log), func() {}, nil
	default:
		docker, err := runtime.NewDocker(cfg.Runtime.Host, log)
		if err != nil {
			return nil, nil, err
		}
		if err := docker.Ping(ctx); err != nil {
			docker.Close()
			return nil, nil, err
		}
		return docker, func() { docker.Close() }, nil
	}
}

func startServers(cfg *config.Config, sup *supervisor.Supervisor, manager *lifecycle.Manager, agg *metrics.Aggregator, store *metrics.Store, exporter *metrics.Exporter, log zerolog.Logger) ([]*http.Server, error) {
	servers := []*http.Server{}

	router := metrics.NewQueryHandler(agg, store, log)
	router.Handler(http.MethodGet, "/metrics", exporter.Handler())
	if file := cfg.Supervisor.WebhookKeyFile; file != "" {
		key, err := readWebhookKey(file)
		if err != nil {
			return nil, err
		}
		router.POST("/hook", newWebhookHandler(key, sup.Trigger))
		log.Info().Msg("accepting registry push notifications at /hook")
	}
	telemetry := &http.Server{
		Addr:              cfg.Telemetry.Addr,
		Handler:           rpc.WithLogging(log, router),
		ReadHeaderTimeout: time.Second * 15,
	}
	ln, err := net.Listen("tcp", telemetry.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening for telemetry: %w", err)
	}
	go func() {
		if err := telemetry.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("telemetry server failed")
		}
	}()
	servers = append(servers, telemetry)
	log.Info().Str("addr", telemetry.Addr).Msg("serving telemetry and query API")

	if cfg.Admin.Addr == "" {
		return servers, nil
	}

	id, err := rpc.LoadIdentity(cfg.Admin.StateDir)
	if err != nil {
		return servers, fmt.Errorf("loading admin certificate: %w", err)
	}
	if len(cfg.Admin.TrustedClients) == 0 {
		log.Warn().Msg("no admin clients are trusted, add fingerprints to admin.trusted_clients to use wardenctl")
	}

	admin := rpc.NewServer(cfg.Admin.Addr, id, rpc.WithLogging(log, newAdminHandler(rpc.NewStaticAuthorizer(cfg.Admin.TrustedClients), sup, manager, log)))
	ln, err = net.Listen("tcp", admin.Addr)
	if err != nil {
		return servers, fmt.Errorf("listening for admin API: %w", err)
	}
	go func() {
		if err := admin.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()
	servers = append(servers, admin)
	log.Warn().Str("addr", admin.Addr).Str("fingerprint", id.Fingerprint).Msg("serving admin API")

	return servers, nil
}
