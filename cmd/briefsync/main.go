package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/briefsync/internal/buildinfo"
	"github.com/dmitrijs2005/briefsync/internal/client/cli"
	"github.com/dmitrijs2005/briefsync/internal/client/config"
	"github.com/dmitrijs2005/briefsync/internal/logging"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "start", "error", err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}

	app.Run(ctx)

}
