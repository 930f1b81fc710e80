package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polyscalp/config"
	"polyscalp/internal/book"
	"polyscalp/internal/channel"
	"polyscalp/internal/dashboard"
	"polyscalp/internal/engine"
	"polyscalp/internal/events"
	"polyscalp/internal/execution"
	"polyscalp/internal/journal"
	"polyscalp/internal/market"
	"polyscalp/internal/spot"
	"polyscalp/internal/strategy"
	"polyscalp/internal/venue"
	"polyscalp/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Polyscalp.Name,
		"version": cfg.Polyscalp.Version,
	}).Info("starting polyscalp")

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch("", cfg.Logging.Namespace)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.SpotBuffer)
	defer channels.Close()

	bus := events.NewBus(cfg.Channels.EventBuffer)

	var feeds []spot.Feed
	if cfg.Spot.Binance.Enabled {
		feeds = append(feeds, spot.NewBinanceFeed(cfg, channels))
	}
	if cfg.Spot.Coinbase.Enabled {
		feeds = append(feeds, spot.NewCoinbaseFeed(cfg, channels))
	}
	if cfg.Spot.Bybit.Enabled {
		feeds = append(feeds, spot.NewBybitFeed(cfg, channels))
	}
	spotTracker := spot.NewTracker(cfg, channels, feeds...)

	bookTracker := book.NewTracker(cfg, channels)

	store := market.NewStore()
	strat := strategy.NewMultiLevel(strategy.ParamsFromConfig(cfg.Strategy))

	venueClient := venue.NewRESTClient(cfg)
	coordinator := execution.NewCoordinator(cfg, store, venueClient, bus)

	userStream := venue.NewUserStream(cfg, coordinator.OnFill, coordinator.OnCancel)

	eng := engine.New(cfg, store, strat, coordinator, bookTracker, bus)

	var journalWriter *journal.Writer
	if cfg.Journal.Enabled {
		journalWriter, err = journal.NewWriter(cfg, bus)
		if err != nil {
			log.WithError(err).Error("failed to create journal writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("journal disabled; skipping trade archive")
	}

	var wg sync.WaitGroup

	if err := spotTracker.Start(ctx); err != nil {
		log.WithError(err).Warn("spot tracker failed to start")
	}
	if err := bookTracker.Start(ctx); err != nil {
		log.WithError(err).Error("book tracker failed to start")
		os.Exit(1)
	}
	if err := userStream.Start(ctx); err != nil {
		log.WithError(err).Warn("user stream failed to start")
	}
	if journalWriter != nil {
		if err := journalWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("journal writer failed to start")
		}
	}
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("engine failed to start")
		os.Exit(1)
	}

	dash := dashboard.NewServer(cfg.Dashboard, eng, bus)
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard exited with error")
			}
		}()
	}

	if !cfg.Engine.TradingEnabled {
		log.Warn("TRADING IS DISABLED (dry run mode)")
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	log.Info("stopping engine")
	eng.Stop()

	cancel()

	if journalWriter != nil {
		log.Info("stopping journal writer")
		journalWriter.Stop()
	}

	log.Info("stopping user stream")
	userStream.Stop()

	log.Info("stopping book tracker")
	bookTracker.Stop()

	log.Info("stopping spot tracker")
	spotTracker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("polyscalp stopped")
}
