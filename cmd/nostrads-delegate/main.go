// Copyright (C) 2026, Nostr Game Engine contributors. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NostrGameEngine/nostrads/delegate"
	"github.com/NostrGameEngine/nostrads/pkg/log"
	"github.com/NostrGameEngine/nostrads/pkg/metric"
	"github.com/NostrGameEngine/nostrads/pkg/storage"
	"github.com/NostrGameEngine/nostrads/protocol/types"
	"github.com/NostrGameEngine/nostrads/transport"
	"github.com/NostrGameEngine/nostrads/wallet"
)

var (
	configFile = flag.String("config", "", "JSON config file (relays, fee, whitelists)")

	dataDir  = flag.String("data-dir", "/var/lib/nostrads", "Data directory")
	relays   = flag.String("relays", "wss://relay.ngengine.org", "Relay URLs (comma-separated)")
	key      = flag.String("key", "", "Hex secret key (generated and persisted when empty)")
	addr     = flag.String("addr", ":8721", "Admin HTTP listen address")
	logLevel = flag.String("log-level", "info", "Log level")
	taxonomyFile = flag.String("taxonomy", "", "Taxonomy TSV file (built-in terms when empty)")

	since = flag.Duration("since", 5*time.Minute, "Replay bids published up to this long ago")

	feeCollector = flag.String("fee-collector", "", "Lightning address collecting delegate fees")
	feePercent   = flag.Float64("fee-percent", 0.01, "Fee fraction of each payout")
	feeMinMsats  = flag.Int64("fee-min-msats", 0, "Minimum fee in msats")
	feeMaxMsats  = flag.Int64("fee-max-msats", 10000, "Maximum fee in msats")

	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const secretKeyStorageKey = "delegate/secret-key"

// Daemon wires the delegate service to its storage, transport and admin
// surface.
type Daemon struct {
	signer  *transport.KeySigner
	pool    *transport.RelayPool
	store   *storage.Storage
	metrics *metric.Metrics
	service *delegate.Service

	httpServer *http.Server
	log        log.Logger
	startedAt  time.Time
}

func main() {
	flag.Parse()

	fmt.Printf("nostrads-delegate %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)

	logger := log.NewWithLevel(*logLevel)
	defer logger.Sync()

	d, err := NewDaemon(logger)
	if err != nil {
		fmt.Printf("Failed to create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Start(context.Background()); err != nil {
		fmt.Printf("Failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		fmt.Printf("Error during shutdown: %v\n", err)
	}
	fmt.Println("Daemon stopped")
}

// NewDaemon builds every component but does not start anything.
func NewDaemon(logger log.Logger) (*Daemon, error) {
	cfg, err := loadConfig(*configFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.New("badgerdb", *dataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	signer, err := loadSigner(store, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := metric.NewMetrics()
	if err != nil {
		return nil, err
	}

	taxonomyPath := *taxonomyFile
	if cfg.TaxonomyFile != "" {
		taxonomyPath = cfg.TaxonomyFile
	}
	taxonomy := types.NewTaxonomy()
	if taxonomyPath != "" {
		f, err := os.Open(taxonomyPath)
		if err != nil {
			return nil, fmt.Errorf("open taxonomy: %w", err)
		}
		defer f.Close()
		if err := taxonomy.Load(f); err != nil {
			return nil, fmt.Errorf("load taxonomy: %w", err)
		}
	}

	relayURLs := cfg.Relays
	if len(relayURLs) == 0 {
		relayURLs = strings.Split(*relays, ",")
	}
	pool, err := transport.NewRelayPool(context.Background(), relayURLs, logger)
	if err != nil {
		return nil, fmt.Errorf("connect relays: %w", err)
	}

	service, err := delegate.New(delegate.Config{
		Pool:        pool,
		Signer:      signer,
		Logger:      logger,
		Metrics:     metrics,
		Taxonomy:    taxonomy,
		Store:       store,
		BidFilter:   cfg.bidFilter(logger),
		OfferFilter: cfg.offerFilter(logger),
	})
	if err != nil {
		return nil, err
	}

	collector := cfg.Fee.Collector
	fee := delegate.FeeSchedule{
		MinMsats: *feeMinMsats,
		Percent:  *feePercent,
		MaxMsats: *feeMaxMsats,
	}
	if collector == "" {
		collector = *feeCollector
	} else {
		fee.MinMsats = cfg.Fee.MinMsats
		fee.Percent = cfg.Fee.Percent
		fee.MaxMsats = cfg.Fee.MaxMsats
	}
	if collector != "" {
		endpoint, err := wallet.ResolveLnurl(context.Background(), collector, nil)
		if err != nil {
			return nil, fmt.Errorf("resolve fee collector: %w", err)
		}
		fee.Collector = endpoint
		if err := service.SetFee(fee); err != nil {
			return nil, err
		}
	}

	return &Daemon{
		signer:  signer,
		pool:    pool,
		store:   store,
		metrics: metrics,
		service: service,
		log:     logger,
	}, nil
}

// loadSigner uses the configured key, or a persisted generated one.
func loadSigner(store *storage.Storage, logger log.Logger) (*transport.KeySigner, error) {
	sk := *key
	if sk == "" {
		stored, err := store.Get([]byte(secretKeyStorageKey))
		switch {
		case err == nil:
			sk = string(stored)
		case storage.IsNotFound(err):
			sk = nostr.GeneratePrivateKey()
			if err := store.Put([]byte(secretKeyStorageKey), []byte(sk)); err != nil {
				return nil, fmt.Errorf("persist generated key: %w", err)
			}
			logger.Info("generated new delegate key")
		default:
			return nil, fmt.Errorf("load key: %w", err)
		}
	}
	return transport.NewKeySigner(sk)
}

// Start begins listening for bids, offers and admin requests.
func (d *Daemon) Start(ctx context.Context) error {
	d.startedAt = time.Now()
	d.log.Info("starting delegate daemon",
		log.String("pubkey", d.signer.PublicKey()))

	if err := d.service.Listen(ctx, time.Now().Add(-*since)); err != nil {
		return err
	}

	d.httpServer = &http.Server{
		Addr:    *addr,
		Handler: d.routes(),
	}
	go func() {
		d.log.Info("admin server listening", log.String("addr", *addr))
		if err := d.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			d.log.Error("admin server error", log.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the admin server and the delegate service.
func (d *Daemon) Shutdown(ctx context.Context) error {
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.log.Error("admin server shutdown error", log.Error(err))
		}
	}
	if err := d.service.Close(); err != nil {
		d.log.Error("service shutdown error", log.Error(err))
	}
	d.pool.Close()
	return d.store.Close()
}

func (d *Daemon) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", d.handleHealth).Methods("GET")
	r.HandleFunc("/status", d.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(
		d.metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods("GET")
	return r
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","pubkey":%q}`, d.signer.PublicKey())
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"pubkey":              d.signer.PublicKey(),
		"version":             Version,
		"uptime_seconds":      int(time.Since(d.startedAt).Seconds()),
		"active_negotiations": len(d.service.Negotiations()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
