package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/menta2k/image-segmenter/internal/logging"
	"github.com/menta2k/image-segmenter/pkg/server"
)

func main() {
	var addr, level, logFile string
	var perSecond float64
	var burst int

	flag.StringVar(&addr, "addr", server.DefaultAddr, "listen address")
	flag.Float64Var(&perSecond, "rate", 0, "messages per second per connection, 0 = unlimited")
	flag.IntVar(&burst, "burst", 4, "message burst per connection when -rate is set")
	flag.StringVar(&level, "log-level", "info", "log level: debug|info|warn|error")
	flag.StringVar(&logFile, "log-file", "", "write logs to a rotated file instead of stderr")
	flag.Parse()

	logger, closer, err := logging.New(level, logFile)
	if err != nil {
		log.Fatal(err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(addr, logger, server.WithRateLimit(perSecond, burst))
	if err := srv.Serve(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
