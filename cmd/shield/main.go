package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"netshield/internal/accountant"
	"netshield/internal/config"
	"netshield/internal/intel"
	"netshield/internal/logging"
	"netshield/internal/model"
	"netshield/internal/pipeline"
	"netshield/internal/probe"
	"netshield/internal/ratelimit"
	"netshield/internal/scoring"
	"netshield/internal/telemetry"
	"netshield/pkg/capture"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Printf("WARN: %v, using defaults", err)
		cfg = config.Default()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		for _, e := range errs {
			log.Printf("config: %v", e)
		}
		log.Fatalf("invalid configuration in %s", *configPath)
	}
	log.Printf("NetShield starting in %q mode (%.0f MB/s, %.0f MB burst)",
		cfg.Mode, cfg.Limits.MaxBandwidthMBps, cfg.Limits.BurstSizeMB)

	// Logger and integrity.
	var signer *logging.Signer
	if cfg.Logging.Integrity {
		signer, err = logging.NewSigner()
		if err != nil {
			log.Fatalf("Failed to initialize log signer: %v", err)
		}
	}
	logger, err := logging.NewEventLogger(cfg.Logging.Directory, cfg.Logging.QueueSize, signer)
	if err != nil {
		log.Fatalf("Failed to open log directory: %v", err)
	}

	var sink *logging.ClickHouseSink
	if cfg.Logging.ClickHouse.Enabled {
		sink, err = logging.NewClickHouseSink(logging.ClickHouseOptions{
			Host:          cfg.Logging.ClickHouse.Host,
			Port:          cfg.Logging.ClickHouse.Port,
			Database:      cfg.Logging.ClickHouse.Database,
			Username:      cfg.Logging.ClickHouse.Username,
			Password:      cfg.Logging.ClickHouse.Password,
			FlushInterval: config.Duration(cfg.Logging.ClickHouse.FlushInterval, 10*time.Second),
		})
		if err != nil {
			log.Printf("WARN: ClickHouse sink disabled: %v", err)
			sink = nil
		}
	}

	// Scoring engine; threshold events go to the event log.
	engine := scoring.NewEngine(scoring.Config{
		AlertThreshold:      cfg.Scoring.AlertThreshold,
		EscalationThreshold: cfg.Scoring.EscalationThreshold,
		WatchThreshold:      cfg.Scoring.WatchThreshold,
		HighRiskCountries:   cfg.Scoring.HighRiskCountries,
		MaxBandwidthMBps:    cfg.Limits.MaxBandwidthMBps,
		AnomalyMinSamples:   cfg.Scoring.AnomalyMinSamples,
		AnomalyWindowSize:   cfg.Scoring.AnomalyWindowSize,
		RetrainInterval:     config.Duration(cfg.Scoring.RetrainInterval, time.Minute),
	}, func(ev model.ThreatEvent) {
		log.Printf("ALERT: %s scored %d (%s)", ev.IP, ev.Score, ev.Technique)
		logger.LogEvent(ev)
	})

	// Pipeline and telemetry. The publisher pulls stats from the
	// pipeline, so wire it through a late-bound pointer.
	var pipe *pipeline.Pipeline
	publisher := telemetry.NewPublisher(
		config.Duration(cfg.Telemetry.TickInterval, time.Second),
		cfg.Telemetry.LogHistorySize,
		func() model.AggregateStats { return pipe.Stats() },
	)
	pipe = pipeline.New(cfg, pipeline.Deps{
		Accountant: accountant.New(cfg.Accountant.NumShards, cfg.Accountant.WindowSeconds),
		Limiter:    ratelimit.New(cfg.Limits.MaxBandwidthMBps, cfg.Limits.BurstSizeMB, cfg.Accountant.NumShards),
		Engine:     engine,
		Logger:     logger,
		Publisher:  publisher,
		Sink:       sink,
	})

	// OSINT enrichment.
	cacheTTL := time.Duration(cfg.Intel.CacheTTLHours) * time.Hour
	var cache intel.Cache
	if cfg.Intel.RedisURL != "" {
		redisCache, err := intel.NewRedisCache(cfg.Intel.RedisURL, cacheTTL)
		if err != nil {
			log.Printf("WARN: redis cache unavailable, using memory cache: %v", err)
		} else {
			cache = redisCache
			defer redisCache.Close()
		}
	}
	if cache == nil {
		cache = intel.NewMemoryCache(cfg.Intel.CacheMaxSize, cacheTTL)
	}

	feeds := intel.NewFeedManager(cfg.Intel.Feeds, config.Duration(cfg.Intel.FeedRefresh, 6*time.Hour))
	var resolver intel.Resolver
	if cfg.Intel.WhoisEnabled {
		resolver = intel.NewRDAPResolver(cfg.Intel.RDAPBaseURL, config.Duration(cfg.Intel.LookupTimeout, 10*time.Second))
	}
	enricher := intel.NewEnricher(intel.Options{
		Resolver:        resolver,
		Cache:           cache,
		Feeds:           feeds,
		LookupTimeout:   config.Duration(cfg.Intel.LookupTimeout, 10*time.Second),
		QueueSize:       cfg.Intel.QueueSize,
		NumWorkers:      cfg.Intel.NumWorkers,
		CacheTTL:        cacheTTL,
		HostingKeywords: cfg.Scoring.SuspiciousASNKeywords,
		ProxyKeywords:   cfg.Scoring.ProxyKeywords,
		OnUpdate:        pipe.HandleOSINT,
	})
	pipe.SetSubmitter(enricher.Submit)

	// Packet source. A dead source at startup is fatal: running a shield
	// that sees no packets would be silent failure.
	stopSource, err := startSource(cfg, pipe)
	if err != nil {
		log.Fatalf("Failed to start packet source: %v", err)
	}

	feeds.Start()
	enricher.Start()
	engine.Start()
	pipe.Start()
	publisher.Start()

	// HTTP surface: websocket telemetry plus a small JSON API.
	router := mux.NewRouter()
	router.HandleFunc("/ws", publisher.HandleWS)
	router.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pipe.Stats())
	}).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/watchlist", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(engine.Watchlist())
	}).Methods(http.MethodGet)

	server := &http.Server{Addr: cfg.Telemetry.ListenAddr, Handler: router}
	go func() {
		log.Printf("Telemetry listening on %s", cfg.Telemetry.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Telemetry server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown signal received...")

	// Stop intake first, then drain each stage in dependency order.
	stopSource()
	pipe.Stop()
	enricher.Stop()
	feeds.Stop()
	engine.Stop()
	publisher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	if sink != nil {
		sink.Close()
	}
	report := pipe.Report()
	if err := logger.Close(); err != nil {
		log.Printf("WARN: closing logs: %v", err)
	}
	if err := logger.WriteReport(report); err != nil {
		log.Printf("WARN: writing session report: %v", err)
	}
	log.Println("Shutdown complete.")
}

// startSource connects the configured packet source to the pipeline and
// returns a stop function.
func startSource(cfg *config.Config, pipe *pipeline.Pipeline) (func(), error) {
	switch cfg.Capture.Source {
	case "nats":
		sub, err := probe.NewSubscriber(cfg.Probe)
		if err != nil {
			return nil, err
		}
		if err := sub.Start(pipe.Submit); err != nil {
			sub.Close()
			return nil, err
		}
		return sub.Close, nil

	case "pcap":
		src, err := capture.OpenFile(cfg.Capture.PcapPath, cfg.BPFFilter())
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for obs := range src.Observations() {
				pipe.Submit(obs)
			}
			log.Println("Pcap replay finished")
		}()
		return func() {
			src.Close()
			<-done
		}, nil

	default: // live
		src, err := capture.OpenLive(cfg.Capture.Device, cfg.BPFFilter())
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for obs := range src.Observations() {
				pipe.Submit(obs)
			}
		}()
		return func() {
			src.Close()
			<-done
		}, nil
	}
}
