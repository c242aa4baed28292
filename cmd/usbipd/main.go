package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	usbip "github.com/daedaluz/gousbip"
	_ "github.com/daedaluz/gousbip/usb/hid"
	"github.com/daedaluz/gousbip/usbmon"
)

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file")
	}
	addr := flag.String("addr", envOr("USBIPD_ADDR", ":3240"), "listen address")
	busids := flag.String("busid", os.Getenv("USBIPD_BUSID"), "comma separated busid allowlist, empty exports all devices")
	debug := flag.Bool("debug", os.Getenv("USBIPD_DEBUG") != "", "log per-command records")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon, err := usbmon.OpenMonitor()
	if err != nil {
		logger.Error("usb monitor driver unavailable", "error", err)
		os.Exit(1)
	}
	defer mon.Close()
	if major, minor, err := mon.Version(); err == nil {
		logger.Info("usb monitor driver", "version", major, "minor", minor)
	}
	go watchEvents(ctx, mon, logger)

	var allowed []string
	if *busids != "" {
		allowed = strings.Split(*busids, ",")
	}
	server := &usbip.Server{
		Addr:     *addr,
		Exporter: usbip.NewMonitorExporter(allowed),
		Log:      logger,
	}
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// watchEvents surfaces device-change events; enumeration itself is fresh
// per request, so this is purely informational.
func watchEvents(ctx context.Context, mon *usbmon.Monitor, logger *slog.Logger) {
	for ctx.Err() == nil {
		if err := mon.WaitEvent(time.Second); err == nil {
			logger.Debug("usb device change event")
		}
	}
}
