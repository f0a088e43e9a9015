package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harvestly/ingest-backend/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to start: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Start(); err != nil {
		a.Log.Error("startup failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	a.Log.Info("ingestd running",
		"ocr_engine", a.Cfg.OCREngine,
		"worker_concurrency", a.Cfg.Concurrency,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	a.Log.Info("shutting down", "signal", s.String())
}
