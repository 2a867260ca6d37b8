// Command devproof serves the local proof engine over the proof service HTTP
// interface, for running the mint service without the real compression backend.
package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"zkmint/internal/proofsvc"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	port := 8090
	if raw := os.Getenv("DEVPROOF_PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			logger.Error("invalid DEVPROOF_PORT", "value", raw)
			os.Exit(1)
		}
		port = p
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           proofsvc.NewHandler(proofsvc.NewLocalProver(), logger),
		ReadHeaderTimeout: 15 * time.Second,
	}
	logger.Info("local proof service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
