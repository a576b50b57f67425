package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradegate/config"
	"tradegate/internal/exchange"
	"tradegate/internal/journal"
	"tradegate/internal/kucoin"
	"tradegate/internal/metrics"
	"tradegate/internal/stream"
	"tradegate/internal/symbols"
	"tradegate/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	watchlistPath := flag.String("watchlist", "", "Path to watchlist file (overrides scanner.watchlist_path)")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		MaxAge: cfg.Logging.MaxAge,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"env":     env,
	}).Info("starting tradegate")
	if !config.IsProductionLike(env) {
		log.WithComponent("main").Warn("non-production environment; keep strategy order flow disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Storage.S3.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval)

	rest := kucoin.NewClient(
		kucoin.WithBaseURL(cfg.Exchange.RestURL),
		kucoin.WithCredentials(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.APIPassphrase),
		kucoin.WithTimeout(cfg.Exchange.RequestTimeout),
		kucoin.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.BurstSize),
		kucoin.WithLogger(log),
	)
	if !rest.HasCredentials() {
		log.WithComponent("main").Warn("api credentials missing; private endpoints will fail")
	}

	opts := []exchange.Option{exchange.WithLogger(log)}

	var feed *stream.Feed
	if cfg.Stream.Enabled {
		feed = stream.NewFeed(exchange.NewStreamTokenFunc(rest), stream.Options{
			Heartbeat:          cfg.Stream.Heartbeat,
			ReconnectBase:      cfg.Stream.ReconnectBase,
			ReconnectMax:       cfg.Stream.ReconnectMax,
			MaxSubscriptions:   cfg.Stream.MaxSubscriptions,
			TickerFreshness:    cfg.Stream.TickerFreshness,
			CandleFreshness:    cfg.Stream.CandleFreshness,
			OrderBookFreshness: cfg.Stream.OrderBookFreshness,
			ErrorDedupWindow:   cfg.Stream.ErrorDedupWindow,
			CandleMaxLength:    cfg.Cache.CandleMaxLength,
			ReadBufferBytes:    cfg.Stream.ReadBufferBytes,
		}, log)
		opts = append(opts, exchange.WithFeed(feed))
	} else {
		log.WithComponent("main").Info("stream disabled; all market data over REST")
	}

	var orderJournal *journal.Journal
	if cfg.Journal.Enabled {
		s3Client, err := journal.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client")
			os.Exit(1)
		}
		orderJournal, err = journal.New(s3Client, journal.Options{
			Exchange:      cfg.Exchange.Name,
			Bucket:        cfg.Storage.S3.Bucket,
			Prefix:        cfg.Journal.Prefix,
			BufferSize:    cfg.Journal.BufferSize,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			Compression:   cfg.Journal.Compression,
			Version:       cfg.App.Version,
		}, log)
		if err != nil {
			log.WithError(err).Error("failed to create order journal")
			os.Exit(1)
		}
		if err := orderJournal.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start order journal")
			os.Exit(1)
		}
		opts = append(opts, exchange.WithRecorder(orderJournal))
	} else {
		log.WithComponent("main").Info("order journal disabled")
	}

	client := exchange.New(rest, exchange.ConfigFrom(cfg), opts...)

	if r := client.CheckClockSync(ctx); !r.InSync {
		log.WithComponent("main").WithFields(logger.Fields{"drift_ms": r.Drift.Milliseconds()}).
			Error("clock drift exceeds limit at startup; orders may be rejected")
	}

	if feed != nil {
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start stream feed")
			os.Exit(1)
		}
	}

	path := cfg.Scanner.WatchlistPath
	if *watchlistPath != "" {
		path = *watchlistPath
	}
	wl, err := config.LoadWatchlist(path)
	if err != nil {
		log.WithError(err).Error("failed to load watchlist")
		os.Exit(1)
	}
	if feed != nil {
		for _, item := range wl.Items {
			if !item.Stream {
				continue
			}
			sym := symbols.ToKucoinFutures(item.Symbol)
			feed.SubscribeTicker(sym)
			for _, tf := range item.Timeframes {
				feed.SubscribeCandles(sym, tf)
			}
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		client.RunClockSync(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := client.RunScanner(ctx, wl, cfg.Scanner.Interval); err != nil {
			log.WithError(err).Error("scanner halted, shutting down")
			cancel()
		}
	}()

	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(client.Pending, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := exporter.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()
	client.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if orderJournal != nil {
		log.Info("flushing order journal")
		orderJournal.Stop()
	}

	log.Info("tradegate stopped")
}
