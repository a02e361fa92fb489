package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfaulkner/reviewbench/internal/common"
	"github.com/mfaulkner/reviewbench/internal/maintenance"
	"github.com/mfaulkner/reviewbench/internal/session"
	"github.com/mfaulkner/reviewbench/internal/storage"
	"github.com/mfaulkner/reviewbench/pkg/config"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		retentionDays = flag.Int("retention-days", 0, "Override configured retention window")
		interval      = flag.Duration("interval", 0, "Run continuously at this interval (0 = run once)")
	)
	flag.Parse()

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	if *retentionDays > 0 {
		cfg.Session.RetentionDays = *retentionDays
	}
	log.Info().Dur("retention", cfg.Session.Retention()).Msg("retention window resolved")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	sessions := session.NewService(db, blobStorage, &cfg.Session)
	runner := maintenance.NewRunner(sessions, cfg.Session.RetentionDays)

	if *interval <= 0 {
		if _, err := runner.RunOnce(context.Background()); err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	log.Info().Dur("interval", *interval).Msg("starting periodic retention purge")
	runner.RunOnce(ctx)
	runner.RunEvery(ctx, *interval)
}
