package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/niahq/nia/internal/operator"
	"github.com/niahq/nia/internal/statestore"
	"github.com/niahq/nia/internal/telemetry"
	"github.com/niahq/nia/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("nia-operator v%s\n", version)
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
	// A standalone operator never hosts sessions itself.
	cfg.Operator.Direct = false

	if cfg.Redis.Addr == "" {
		log.Fatalf("the operator needs a shared state backend; set redis.addr or NIA_REDIS_ADDR")
	}
	store, err := statestore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis at %s: %v", cfg.Redis.Addr, err)
	}
	defer store.Close()
	state := statestore.NewState(store)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry)
	if err != nil {
		log.Printf("Warning: failed to initialize telemetry: %v", err)
	} else {
		defer shutdownTelemetry(context.Background())
	}

	var jobs operator.JobLauncher
	if cfg.Operator.JobAPIURL != "" {
		jobs = operator.NewContainerJobClient(cfg.Operator.JobAPIURL, cfg.Operator.JobImage, cfg.Operator.JobTTL)
		log.Printf("operator: cold spawns via %s (image %s)", cfg.Operator.JobAPIURL, cfg.Operator.JobImage)
	} else {
		log.Printf("operator: no job API configured, warm pool only")
	}

	op := operator.New(cfg, state, jobs, nil)
	op.AutoRespawn = cfg.Operator.AutoRespawn

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	op.Run(runCtx)
}
