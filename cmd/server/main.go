// autoshell daemon: serves the suggestion, agent, and session API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/autoshell/internal/daemon"
)

func main() {
	var opts daemon.Options
	flag.StringVar(&opts.ConfigPath, "config", "", "config file path")
	flag.StringVar(&opts.Host, "host", "", "bind host (overrides config)")
	flag.IntVar(&opts.Port, "port", 0, "bind port (overrides config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, opts); err != nil {
		slog.Error("Daemon exited", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("Server exited")
}
