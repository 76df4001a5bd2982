package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/niahq/nia/internal/runner"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/internal/telemetry"
	"github.com/niahq/nia/internal/wshub"
	"github.com/niahq/nia/pkg/config"
	"github.com/niahq/nia/pkg/models"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "Path to configuration file")
	standby := flag.Bool("standby", false, "Register on the warm standby pool")
	selfURL := flag.String("self-url", "", "URL the operator uses to reach this worker")
	port := flag.Int("port", 8090, "Control surface port")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nia-runner v%s\n", version)
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
		defer shutdownTelemetry(context.Background())
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

	deps := &runner.Deps{Cfg: cfg, State: state, Hub: hub, NATS: nc}
	registry := runner.NewRegistry()
	control := runner.NewControl(deps, registry, *standby, *selfURL)

	mux := http.NewServeMux()
	control.SetupRoutes(mux)
	mux.HandleFunc("/ws/events", hub.ServeWS)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Printf("nia runner listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	// Cold jobs carry the launch envelope in the environment; start
	// that session immediately.
	if env := envelopeFromEnviron(); env != nil {
		sess, err := runner.Start(runCtx, deps, env)
		if err != nil {
			log.Fatalf("failed to start session for %s: %v", env.RoomURL, err)
		}
		registry.Add(sess)
		log.Printf("runner: started cold session %s for %s", env.SessionID, env.RoomURL)
		go func() {
			<-sess.Done()
			registry.Remove(sess)
			// The job exists for this one session.
			cancel()
		}()
	}

	control.RegisterStandby(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		cancel()
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, sess := range registry.All() {
		sess.Leave(shutdownCtx)
	}
	_ = httpSrv.Shutdown(shutdownCtx)
}

// envelopeFromEnviron rebuilds a launch envelope from the NIA_*
// variables a cold job is started with. Nil when no room is set.
func envelopeFromEnviron() *models.LaunchEnvelope {
	room := os.Getenv("NIA_ROOM_URL")
	if room == "" {
		return nil
	}
	env := &models.LaunchEnvelope{
		RoomURL:         room,
		PersonalityID:   os.Getenv("NIA_PERSONALITY_ID"),
		Persona:         os.Getenv("NIA_PERSONA"),
		TenantID:        os.Getenv("NIA_TENANT_ID"),
		Token:           os.Getenv("NIA_ROOM_TOKEN"),
		SessionID:       os.Getenv("NIA_SESSION_ID"),
		SessionUserID:   os.Getenv("NIA_SESSION_USER_ID"),
		SessionUserName: os.Getenv("NIA_SESSION_USER_NAME"),
		DebugTraceID:    os.Getenv("NIA_DEBUG_TRACE_ID"),
	}
	if raw := os.Getenv("NIA_SUPPORTED_FEATURES"); raw != "" {
		env.SupportedFeatures = strings.Split(raw, ",")
	}
	if raw := os.Getenv("NIA_MODE_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env.ModeConfig); err != nil {
			log.Printf("Warning: bad NIA_MODE_CONFIG: %v", err)
		}
	}
	return env
}

// buildStore connects the Redis backend with the local store as
// fallback, or runs purely local when no address is configured.
func buildStore(cfg *config.Config) statestore.Store {
	local := statestore.NewLocalStore()
	if cfg.Redis.Addr == "" {
		log.Printf("runner: no redis configured, using in-memory state")
		return local
	}
	redis, err := statestore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("Warning: redis unavailable at %s, using in-memory state: %v", cfg.Redis.Addr, err)
		return local
	}
	return statestore.NewFallback(redis, local, cfg.Debug)
}
