package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradepilot/internal/config"
	"tradepilot/internal/svc"
)

const tickTimeout = 5 * time.Minute

var (
	configFile = flag.String("f", "etc/tradepilot.yaml", "the config file")
	loop       = flag.Bool("loop", false, "keep ticking on the configured timeframe instead of exiting")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("[main] failed to load config: %v", err)
	}
	ctx := svc.NewServiceContext(*cfg, *configFile)

	log.Printf("[main] timeframe=%dm auto_open=%v strict=%v",
		ctx.Trading.TimeframeMinutes, ctx.Trading.AutoOpenEnabled, ctx.Trading.Risk.StrictMode)

	if !*loop {
		runOnce(ctx)
		return
	}

	interval := time.Duration(ctx.Trading.TimeframeMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	runOnce(ctx)
	for {
		select {
		case <-ticker.C:
			runOnce(ctx)
		case sig := <-stop:
			log.Printf("[main] received %s, shutting down", sig)
			return
		}
	}
}

func runOnce(ctx *svc.ServiceContext) {
	tctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	result := ctx.Orchestrator.Tick(tctx)
	out, err := json.Marshal(result)
	if err != nil {
		log.Printf("[tick] %s", result.Summary)
		return
	}
	log.Printf("[tick] %s", out)
}
