package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/patient-sync/internal/config"
	"github.com/carebridge/patient-sync/internal/connector"
	"github.com/carebridge/patient-sync/internal/sink"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	// run owns all deferred cleanup; exiting from main keeps os.Exit from
	// skipping the sink's Close (which commits work buffered after the last
	// checkpoint).
	if err := run(*configPath); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.WithError(err).Error("failed to load config")
		return err
	}

	// One pass per invocation; the scheduler that launches syncd decides
	// cadence. Interrupts cancel between pages, leaving the last checkpoint
	// as the resume point.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.WithField("run_id", uuid.NewString())

	dest, err := sink.Create(cfg.Sink.Type, cfg.Sink.Options)
	if err != nil {
		log.WithError(err).Error("failed to create sink")
		return err
	}
	defer func() {
		if cerr := dest.Close(); cerr != nil {
			log.WithError(cerr).Error("failed to close sink")
		}
	}()

	opts := []connector.Option{}
	if cfg.CheckpointInterval > 0 {
		opts = append(opts, connector.WithCheckpointPolicy(connector.CheckpointPolicy{Interval: cfg.CheckpointInterval}))
	}
	conn := connector.New(opts...)

	srcCfg := cfg.Source.Map()
	tables := conn.DeclareSchema(srcCfg)
	if len(tables) == 0 {
		log.Error("no schema available, nothing to sync")
		return fmt.Errorf("no schema available")
	}
	if err := dest.Provision(ctx, tables); err != nil {
		log.WithError(err).Error("failed to provision sink")
		return err
	}

	state, err := dest.LatestState(ctx)
	if err != nil {
		log.WithError(err).Error("failed to read resume state")
		return err
	}
	log.WithField("state", state).Info("starting sync pass")

	if err := conn.Sync(ctx, srcCfg, state, dest); err != nil {
		log.WithError(err).Error("sync pass failed; progress up to the last checkpoint is preserved")
		return err
	}
	return nil
}
