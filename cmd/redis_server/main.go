// Package main runs an embedded miniredis instance for local development,
// so the worker and server can be tried without a real Redis.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"

	"github.com/lucascanna/Kosuke-Test-Scanna-sub000/pkg/logger"
)

func main() {
	s := miniredis.NewMiniRedis()
	if err := s.StartAddr("127.0.0.1:6379"); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start embedded Redis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("Embedded Redis running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Log.Info().Msg("Embedded Redis stopped")
}
