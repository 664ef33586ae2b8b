// Command server is the process entrypoint: it wires config, logging,
// storage, policy, the bandwidth governor, the scheduler and the REST
// surface together, then blocks for SIGINT/SIGTERM. Grounded on the
// teacher's root main.go wiring order (logger → storage → engine → api
// server), with the Wails desktop shell, systray, and MCP stdio mode
// dropped since this is a headless server, not a desktop app.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/noelle-silva/PicaComic/internal/audit"
	"github.com/noelle-silva/PicaComic/internal/bandwidth"
	"github.com/noelle-silva/PicaComic/internal/config"
	"github.com/noelle-silva/PicaComic/internal/httpapi"
	"github.com/noelle-silva/PicaComic/internal/lifecycle"
	"github.com/noelle-silva/PicaComic/internal/logger"
	"github.com/noelle-silva/PicaComic/internal/policy"
	"github.com/noelle-silva/PicaComic/internal/scheduler"
	"github.com/noelle-silva/PicaComic/internal/stats"
	"github.com/noelle-silva/PicaComic/internal/store"
)

func storageDirFromEnv() string {
	if v := os.Getenv("PICA_STORAGE"); v != "" {
		return v
	}
	return "./pica-storage"
}

func main() {
	storageDir := storageDirFromEnv()
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create storage dir:", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(storageDir, "library.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(st)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.StorageDir, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}

	auditLogger, err := audit.Open(cfg.StorageDir, log)
	if err != nil {
		log.Error("init audit log", "error", err)
		os.Exit(1)
	}

	policyStore := policy.NewStore(policy.FromEnv())
	governor := bandwidth.FromEnv()
	statsTracker := stats.New(st)

	sched := scheduler.New(st, policyStore, cfg.StorageDir, log, governor, cfg.Debug)
	if err := sched.Start(); err != nil {
		log.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	api := httpapi.New(cfg, st, sched, auditLogger, statsTracker, log)
	httpServer := &http.Server{
		Addr:    api.Addr(),
		Handler: api.Handler(),
	}

	go func() {
		log.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "error", err)
		}
	}()

	lifecycle.WaitForSignals(func() {
		log.Info("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Warn("http shutdown", "error", err)
		}

		sched.Shutdown()

		if err := auditLogger.Close(); err != nil {
			log.Warn("close audit log", "error", err)
		}
		if err := st.Close(); err != nil {
			log.Warn("close store", "error", err)
		}
	})
}
