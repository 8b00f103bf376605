package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
)

func main() {
	cfg := buildConfig()

	if len(cfg.clientKeys) == 0 {
		log.Printf("warning: no client keys configured; /v1/messages will reject everything")
	}

	client, err := newUpstreamClient(cfg)
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	store, err := newAccountStore(cfg.dataDir, cfg.debug)
	if err != nil {
		log.Fatalf("account store: %v", err)
	}

	usage, err := newUsageStore(filepath.Join(cfg.dataDir, "usage.db"), cfg.usageRetentionDays)
	if err != nil {
		log.Fatalf("usage store: %v", err)
	}

	settings := newRuntimeSettings(cfg)
	web := newWebClient(cfg, client)
	sessions := newSessionManager(cfg, settings, web)
	tracker := newToolCallTracker(5 * time.Minute)
	oauth := newOAuthAuthenticator(cfg, client, store)
	selector := newAccountSelector(store, sessions, client.webEnabled(), cfg.debug)

	svc := &services{
		cfg:      cfg,
		settings: settings,
		client:   client,
		web:      web,
		store:    store,
		oauth:    oauth,
		sessions: sessions,
		tracker:  tracker,
		selector: selector,
		usage:    usage,
		counters: newStatCounters(),
		recent:   newRecentErrors(50),
	}

	handler := &proxyHandler{cfg: cfg, svc: svc}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// WriteTimeout stays zero: SSE responses are open-ended.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Printf("listening on %s (accounts=%d web=%v)", cfg.listenAddr, len(store.list()), client.webEnabled())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Teardown in reverse construction order.
	tracker.close()
	sessions.close()
	store.close()
	if err := usage.Close(); err != nil {
		log.Printf("usage store close: %v", err)
	}
}
