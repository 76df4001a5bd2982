package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/niahq/nia/internal/gateway"
	"github.com/niahq/nia/internal/logging"
	"github.com/niahq/nia/internal/mesh"
	"github.com/niahq/nia/internal/operator"
	"github.com/niahq/nia/internal/runner"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/internal/telemetry"
	"github.com/niahq/nia/internal/tools"
	"github.com/niahq/nia/internal/wshub"
	"github.com/niahq/nia/pkg/config"
	"github.com/niahq/nia/pkg/models"
)

const version = "0.1.0"

// localStarter runs sessions as in-process tasks; the direct-mode
// backend for the embedded operator.
type localStarter struct {
	deps     *runner.Deps
	registry *runner.Registry
}

func (l *localStarter) StartSession(_ context.Context, env *models.LaunchEnvelope) (string, error) {
	// The session outlives the launch request.
	sess, err := runner.Start(context.Background(), l.deps, env)
	if err != nil {
		return "", err
	}
	l.registry.Add(sess)
	go func() {
		<-sess.Done()
		l.registry.Remove(sess)
	}()
	return sess.Info().SessionID, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nia-gateway v%s\n", version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry)
	if err != nil {
		log.Printf("Warning: failed to initialize telemetry: %v", err)
	} else {
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	store := buildStore(cfg)
	defer store.Close()
	state := statestore.NewState(store)

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Printf("Warning: NATS unavailable at %s: %v", cfg.NATS.URL, err)
		} else {
			defer nc.Drain()
		}
	}

	hub := wshub.NewHub()
	defer hub.Close()
	logs := logging.NewManager()

	meshClient := mesh.NewClient(cfg.Mesh.BaseURL, cfg.Mesh.APIKey, cfg.Mesh.Timeout)
	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry, meshClient, state)
	disp := tools.NewDispatcher(registry)

	var op *operator.Operator
	var runners *runner.Registry
	if cfg.Operator.Direct {
		runners = runner.NewRegistry()
		deps := &runner.Deps{Cfg: cfg, State: state, Hub: hub, NATS: nc}
		op = operator.New(cfg, state, nil, &localStarter{deps: deps, registry: runners})
		op.AutoRespawn = cfg.Operator.AutoRespawn
		go op.Run(runCtx)
		log.Printf("gateway: direct mode, sessions run in-process")
	}

	srv := gateway.NewServer(cfg, state, hub, disp, op, runners, logs)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.SetupRoutes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("nia gateway listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if runners != nil {
		for _, sess := range runners.All() {
			sess.Leave(shutdownCtx)
		}
	}
}

// buildStore connects the Redis backend with the local store as
// fallback, or runs purely local when no address is configured.
func buildStore(cfg *config.Config) statestore.Store {
	local := statestore.NewLocalStore()
	if cfg.Redis.Addr == "" {
		log.Printf("gateway: no redis configured, using in-memory state")
		return local
	}
	redis, err := statestore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("Warning: redis unavailable at %s, using in-memory state: %v", cfg.Redis.Addr, err)
		return local
	}
	return statestore.NewFallback(redis, local, cfg.Debug)
}
