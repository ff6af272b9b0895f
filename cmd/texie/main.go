// Texie is the telemetry fabric daemon and its operator tooling.
//
// Subcommands:
//
//	texie server   run the central hub with the document store
//	texie relay    run a forwarding relay (groundstation role)
//	texie shell    interactive protocol shell against a hub or relay
//	texie account  manage account credentials in the store
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/texie/texie/config"
	"github.com/texie/texie/ingest"
	"github.com/texie/texie/relay"
	"github.com/texie/texie/server"
	"github.com/texie/texie/store"
	"github.com/texie/texie/utils"
)

const defaultConfigPath = "/etc/texie/texie.toml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "relay":
		err = runRelay(os.Args[2:])
	case "shell":
		err = runShell(os.Args[2:])
	case "account":
		err = runAccount(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "texie: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "texie: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: texie <command> [flags]

commands:
  server    run the central hub
  relay     run a forwarding relay
  shell     interactive protocol shell
  account   manage accounts (add)`)
}

// loadConfig reads the TOML file, falling back to pure defaults when
// the default path simply does not exist.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && os.IsNotExist(err) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return cfg, err
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(args []string) error {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath, "path to config TOML")
	bind := flags.String("bind", "", "override server bind address")
	storePath := flags.String("store", "", "override store directory")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	log := utils.NewDefaultLogger(parseLevel(cfg.Logging.Level))

	st, err := store.OpenPebble(log, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	clock := ingest.NewClock()
	pipe := ingest.NewPipeline(log, clock, st, ingest.Options{
		QueueCapacity: cfg.Ingest.QueueCapacity,
		BatchSize:     cfg.Ingest.BatchSize,
		FlushInterval: cfg.Ingest.FlushInterval(),
	})

	handler := server.NewCentralHandler(pipe, st)
	opts := []server.ServerOpt{}
	if cfg.Server.RequireAuth {
		broker, err := server.NewAuthBroker(log, st)
		if err != nil {
			return err
		}
		opts = append(opts, &server.WithAuthBroker{Broker: broker})
	}
	srv := server.NewServer(log, handler, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(ingest.NewCollector(pipe))
		registry.MustRegister(store.NewPebbleCollector(st.DB()))
		registry.MustRegister(srv.Collectors()...)
		go serveMetrics(ctx, log, cfg.Metrics.Bind, registry)
	}

	if err := srv.Listen(cfg.Server.Bind); err != nil {
		return err
	}
	defer srv.Close()

	pipe.Run(ctx)
	log.Info("server: shutting down")
	return nil
}

func runRelay(args []string) error {
	flags := pflag.NewFlagSet("relay", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", defaultConfigPath, "path to config TOML")
	bind := flags.String("bind", "", "override relay bind address")
	upstream := flags.StringSlice("upstream", nil, "override upstream endpoints")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Relay.Bind = *bind
	}
	if len(*upstream) > 0 {
		cfg.Relay.Upstream = *upstream
	}
	if len(cfg.Relay.Upstream) == 0 {
		return fmt.Errorf("relay needs at least one upstream endpoint")
	}

	log := utils.NewDefaultLogger(parseLevel(cfg.Logging.Level))

	opts := []relay.RelayOpt{
		&relay.WithHeartbeat{
			Stream: cfg.Relay.HeartbeatStream,
			Period: cfg.Relay.HeartbeatPeriod(),
		},
	}
	if cfg.Relay.RequireAuth {
		// downstream credentials come from the same account directory
		// the hub uses
		st, err := store.OpenPebble(log, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
		broker, err := server.NewAuthBroker(log, st)
		if err != nil {
			return err
		}
		opts = append(opts, &relay.WithDownstreamAuth{Broker: broker})
	}
	r := relay.NewRelay(log, cfg.Relay.Upstream, cfg.Relay.Account, cfg.Relay.Secret, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(r.Server().Collectors()...)
		go serveMetrics(ctx, log, cfg.Metrics.Bind, registry)
	}

	if err := r.Run(cfg.Relay.Bind); err != nil {
		return err
	}
	defer r.Close()

	<-ctx.Done()
	log.Info("relay: shutting down")
	return nil
}

func runAccount(args []string) error {
	if len(args) < 1 || args[0] != "add" {
		return fmt.Errorf("usage: texie account add --store <dir> <account> <secret>")
	}
	flags := pflag.NewFlagSet("account add", pflag.ExitOnError)
	storePath := flags.String("store", "", "store directory")
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}
	rest := flags.Args()
	if *storePath == "" || len(rest) != 2 {
		return fmt.Errorf("usage: texie account add --store <dir> <account> <secret>")
	}

	log := utils.NewDefaultLogger(slog.LevelWarn)
	st, err := store.OpenPebble(log, *storePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PutAccount(rest[0], rest[1]); err != nil {
		return err
	}
	fmt.Printf("account %q stored\n", rest[0])
	return nil
}

func serveMetrics(ctx context.Context, log utils.Logger, bind string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: bind, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info("metrics: listening", "addr", bind)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics: server failed", "err", err)
	}
}
