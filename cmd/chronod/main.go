package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"chronod/internal/app"
	"chronod/internal/config"
	"chronod/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath, logx.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: config:", err)
		os.Exit(1)
	}

	logCfg := logx.Config{
		Level:    cfg.Logging.Level,
		Console:  cfg.Logging.Console,
		FilePath: cfg.Logging.File,
	}
	if !logCfg.Console && logCfg.FilePath == "" {
		logCfg.Console = true
	}
	logSvc, err := logx.NewService(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal: logging:", err)
		os.Exit(1)
	}
	defer logSvc.Close()
	log := logSvc.Logger()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	a.WatchConfig(mgr, logSvc)
	if err := mgr.Watch(ctx); err != nil {
		log.Warn("config watching unavailable", logx.Err(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.Stop()
}
