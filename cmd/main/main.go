package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"steammarket/parser/internal/config"
	"steammarket/parser/internal/container"
	"steammarket/parser/internal/logging"
	"steammarket/parser/internal/service"

	log "github.com/sirupsen/logrus"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitAuth        = 2
	exitPagination  = 3
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("❌ Failed to load configuration: %v", err)
		return exitFailure
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	app := container.New(cfg)
	logging.AddFields(log.Fields{"run_id": app.RunID})
	log.Infof("Starting Steam market indexer for app %s...", cfg.Steam.AppID)

	summary, err := app.Run(ctx)
	code := exitCode(err)
	switch code {
	case exitOK:
		log.Infof("🏁 Finished: %d/%d pages, %d rows, %d failed pages",
			summary.PagesProcessed, summary.TotalPages, summary.Rows, summary.PagesFailed)
	case exitInterrupted:
		log.Warnf("🛑 Interrupted after %d pages, progress saved", summary.PagesProcessed)
	default:
		log.Errorf("❌ Application exited with error: %v", err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, service.ErrAuthentication):
		return exitAuth
	case errors.Is(err, service.ErrPagination):
		return exitPagination
	default:
		return exitFailure
	}
}
