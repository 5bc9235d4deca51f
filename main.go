package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/hiware-ops/sshconsole/internal/config"
	"github.com/hiware-ops/sshconsole/internal/gateway"
	"github.com/hiware-ops/sshconsole/internal/healthmon"
	"github.com/hiware-ops/sshconsole/internal/history"
	"github.com/hiware-ops/sshconsole/internal/logging"
	"github.com/hiware-ops/sshconsole/internal/registry"
	"github.com/hiware-ops/sshconsole/internal/session"
	"github.com/hiware-ops/sshconsole/internal/sshrunner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logFile, err := logging.Init(cfg.LogFile)
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	hostEntries, err := config.LoadHosts(cfg.HostsFile)
	if err != nil {
		log.Fatalf("load hosts file: %v", err)
	}
	transferEntries, err := config.LoadTransfers(cfg.TransfersFile)
	if err != nil {
		log.Fatalf("load transfers file: %v", err)
	}

	reg, err := registry.Build(hostEntries, transferEntries)
	if err != nil {
		log.Fatalf("build registry: %v", err)
	}
	log.Printf("%sloaded %d hosts", logging.PrefixGateway, len(reg.AllHosts()))

	health := healthmon.New(reg.AllHosts(), healthmon.Options{
		ProbeInterval:    time.Duration(cfg.ProbeInterval) * time.Second,
		ProbeTimeout:     time.Duration(cfg.ProbeTimeout) * time.Second,
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
	})

	lock := session.New()

	var recorder *history.Recorder
	if cfg.HistoryDBPath != "" {
		recorder, err = history.Open(cfg.HistoryDBPath)
		if err != nil {
			log.Printf("WARNING: history recorder disabled: %v", err)
			recorder = nil
		}
	}

	runnerOpts := sshrunner.Options{
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
		AuthTimeout:    time.Duration(cfg.AuthTimeoutSeconds) * time.Second,
		FlushInterval:  time.Duration(cfg.FlushIntervalMillis) * time.Millisecond,
		FlushBytes:     cfg.FlushBytes,
	}

	commandTimeout := time.Duration(cfg.CommandTimeoutSeconds) * time.Second
	scpTimeout := time.Duration(cfg.SCPTimeoutSeconds) * time.Second

	gw := gateway.New(reg, health, lock, recorder, runnerOpts, commandTimeout, scpTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go health.Run(ctx)

	// The sweep is a backstop for a handle a Cancel call already timed out
	// on, not the primary deadline for either operation kind — that is the
	// context.WithTimeout wrapping each task's work closure in the gateway. Its
	// window must clear the longer of the two or it would surrender a
	// compliant, still-running SCP transfer.
	longestOp := cfg.SCPTimeoutSeconds
	if cfg.CommandTimeoutSeconds > longestOp {
		longestOp = cfg.CommandTimeoutSeconds
	}
	sweep := cron.New()
	staleAfter := time.Duration(longestOp+cfg.CancelDeadlineSeconds) * time.Second
	if _, err := sweep.AddFunc("@every 1m", func() {
		if ids := gw.SurrenderStaleTasks(staleAfter); len(ids) > 0 {
			log.Printf("%ssweep surrendered stale tasks: %v", logging.PrefixTasks, ids)
		}
	}); err != nil {
		log.Fatalf("schedule stale task sweep: %v", err)
	}
	sweep.Start()
	defer sweep.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/diagnostics/health/{alias}", gw.DiagnosticsHealthHandler)
	})

	r.Get("/ws/v1/stub", gw.ServeHTTP)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("%sserver starting on %s", logging.PrefixGateway, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
	log.Println("server stopped")
}
