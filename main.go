package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/spooky-finn/cryptostream/config"
	"github.com/spooky-finn/cryptostream/conn"
	"github.com/spooky-finn/cryptostream/domain"
	"github.com/spooky-finn/cryptostream/governor"
	promclient "github.com/spooky-finn/cryptostream/infrastructure/prometheus"
	"github.com/spooky-finn/cryptostream/logger"
	"github.com/spooky-finn/cryptostream/provider"
	"github.com/spooky-finn/cryptostream/router"
	"github.com/spooky-finn/cryptostream/rpc"
	"github.com/spooky-finn/cryptostream/usecase"
)

func main() {
	log := logger.GetLogger()

	configPath := flag.String("config", "config.yml", "Path to configuration file")
	envPath := flag.String("env", ".env", "Path to dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Warn("Error loading .env file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if config.DebugMode {
		log.SetLevel(logrus.DebugLevel)
	}

	log.WithFields(logger.Fields{
		"service":   cfg.App.Name,
		"version":   cfg.App.Version,
		"exchanges": cfg.EnabledExchanges(),
	}).Info("starting cryptostream")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	markets, err := provider.MarketsFromConfig(cfg)
	if err != nil {
		log.WithError(err).Error("invalid market table")
		os.Exit(1)
	}
	resolver, err := provider.FromConfig(cfg, markets, provider.CredentialsFromConfig(cfg))
	if err != nil {
		log.WithError(err).Error("failed to build exchange adapters")
		os.Exit(1)
	}

	metrics := promclient.NewMetrics()

	gov := governor.New(governor.BackoffConfig{
		Min:                cfg.Reconnect.BaseDelay,
		Max:                cfg.Reconnect.MaxDelay,
		Factor:             cfg.Reconnect.Factor,
		Jitter:             cfg.Reconnect.Jitter,
		StabilityThreshold: cfg.Reconnect.StabilityThreshold,
		MaxAttempts:        cfg.Reconnect.MaxAttempts,
	}, exchangeLimits(cfg))

	manager := conn.NewManager(gov, conn.Options{
		HeartbeatTimeout: cfg.Engine.HeartbeatTimeout,
		HandshakeTimeout: cfg.Engine.HandshakeTimeout,
		RequestTimeout:   cfg.Engine.RequestTimeout,
		IdleGrace:        cfg.Engine.IdleGrace,
	}, metrics)

	r := router.New(resolver, manager, domain.NewOrderBookStorage(), metrics, router.Options{
		DiffBufferSize:   cfg.Engine.DiffBufferSize,
		SnapshotAttempts: cfg.Engine.SnapshotAttempts,
		ResyncAttempts:   cfg.Engine.ResyncAttempts,
		DefaultDepth:     cfg.Engine.DefaultDepth,
		RequestTimeout:   cfg.Engine.RequestTimeout,
	})

	marketData := usecase.NewMarketDataUseCase(r, manager, usecase.MarketDataOptions{
		DeliveryBuffer: cfg.Engine.DeliveryBuffer,
		DefaultDepth:   cfg.Engine.DefaultDepth,
	})
	defer marketData.Close()

	snapshots := usecase.NewOrderBookSnapshotUseCase(ctx, marketData, r, resolver)

	var wg sync.WaitGroup

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := promclient.StartPromClientServer(ctx, cfg.Metrics.Addr, metrics); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if cfg.RPC.Enabled {
		lis, err := net.Listen("tcp", cfg.RPC.Addr)
		if err != nil {
			log.WithError(err).Error("failed to listen")
			os.Exit(1)
		}
		srv := rpc.NewGRPCServer(rpc.NewServer(snapshots, &rpc.ValidationServiceConfig{
			AvailableProviders: resolver.Names(),
		}))

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			srv.GracefulStop()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithFields(logger.Fields{"addr": cfg.RPC.Addr}).Info("rpc server listening")
			if err := srv.Serve(lis); err != nil {
				log.WithError(err).Error("rpc server failed")
			}
		}()
	}

	for _, w := range cfg.Watch {
		wg.Add(1)
		go func(w config.WatchConfig) {
			defer wg.Done()
			fields := logger.Fields{"exchange": w.Exchange, "channel": w.Channel, "symbol": w.Symbol}
			if err := marketData.Watch(ctx, w.Exchange, domain.Channel(w.Channel), w.Symbol, w.Depth, w.Interval); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.WithError(err).WithFields(fields).Error("failed to start watch")
				}
				return
			}
			log.WithFields(fields).Info("watch started")
		}(w)
	}

	<-ctx.Done()
	log.Info("shutting down")
	marketData.Close()
	wg.Wait()
}

func exchangeLimits(cfg *config.Config) map[string]governor.ExchangeLimits {
	limits := make(map[string]governor.ExchangeLimits, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		limits[name] = governor.ExchangeLimits{
			Send: governor.RateLimit{RequestsPerSecond: ex.RateLimit.RequestsPerSecond, Burst: ex.RateLimit.BurstSize},
			Dial: governor.RateLimit{RequestsPerSecond: ex.DialRateLimit.RequestsPerSecond, Burst: ex.DialRateLimit.BurstSize},
		}
	}
	return limits
}
