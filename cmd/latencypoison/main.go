package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/latencypoison/latencypoison/internal/app"
	"github.com/latencypoison/latencypoison/internal/config"
	log "github.com/sirupsen/logrus"
)

func main() {
	var appCfg config.AppConfig
	flag.StringVar(&appCfg.ConfigPath, "config", "", "path to config.yaml (default: $LATENCYPOISON_CONFIG or config.yaml)")
	flag.StringVar(&appCfg.EnvFile, "env", "", "optional .env file loaded before environment overrides")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [serve|migrate]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := "serve"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	var err error
	switch command {
	case "serve":
		err = app.RunServer(ctx, appCfg)
	case "migrate":
		err = app.Migrate(ctx, appCfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatal(command + " failed")
	}
}
