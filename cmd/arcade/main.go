package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flappysomnia/internal/application"
	"flappysomnia/internal/config"
	"flappysomnia/internal/domain"
	"flappysomnia/internal/infrastructure/ethrpc"
	"flappysomnia/internal/infrastructure/kafka"
	"flappysomnia/internal/infrastructure/logging"
	"flappysomnia/internal/infrastructure/mysql"
	"flappysomnia/internal/infrastructure/rediscache"
	"flappysomnia/internal/infrastructure/sqlite"
	"flappysomnia/internal/infrastructure/telemetry"
	"flappysomnia/internal/infrastructure/wallet"
	"flappysomnia/internal/interfaces/httpapi"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	rotating, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	if rotating != nil {
		defer rotating.Close()
	}

	shutdownTracing, err := telemetry.InitTracer(context.Background(), "flappysomnia", cfg.OtelEndpoint)
	if err != nil {
		log.Printf("tracing init error: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Printf("tracing shutdown error: %v", err)
			}
		}()
	}

	store, err := sqlite.NewStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer store.Close()

	// The sqlite store doubles as the leaderboard cache when Redis is not
	// configured or unreachable.
	var cache application.LeaderboardCache = store
	if cfg.RedisAddr != "" {
		if redisCache, err := rediscache.New(rediscache.Config{
			Addr: cfg.RedisAddr,
			TTL:  cfg.LeaderboardTTL,
		}); err != nil {
			log.Printf("redis cache disabled: %v", err)
		} else {
			cache = redisCache
			defer redisCache.Close()
		}
	}

	var archive *mysql.Archive
	if cfg.MySQLDSN != "" {
		if archive, err = mysql.NewArchive(cfg.MySQLDSN); err != nil {
			log.Printf("settlement archive disabled: %v", err)
			archive = nil
		} else {
			defer archive.Close()
		}
	}

	var producer *kafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		if producer, err = kafka.NewProducer(kafka.ProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}); err != nil {
			log.Printf("event stream disabled: %v", err)
			producer = nil
		} else {
			defer producer.Close()
		}
	}

	signer, err := wallet.New(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		log.Fatalf("wallet error: %v", err)
	}

	contract, err := ethrpc.NewContract(cfg.ContractAddress)
	if err != nil {
		log.Fatalf("contract error: %v", err)
	}

	endpoints := make([]application.Endpoint, 0, len(cfg.RPCEndpoints))
	probes := make([]*ethrpc.Client, 0, len(cfg.RPCEndpoints))
	for i, url := range cfg.RPCEndpoints {
		client, err := ethrpc.NewClient(ethrpc.Config{
			Name: fmt.Sprintf("rpc-%d", i+1),
			URL:  url,
		})
		if err != nil {
			log.Fatalf("rpc endpoint error: %v", err)
		}
		endpoints = append(endpoints, client)
		probes = append(probes, client)
	}

	metrics := httpapi.NewMetrics()

	dispatcher, err := application.NewDispatcher(signer, contract, endpoints, metrics, application.DispatcherConfig{
		FanOut: cfg.GameFetchWorkers,
	})
	if err != nil {
		log.Fatalf("dispatcher error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var sink application.EventSink
	if producer != nil {
		sink = producer
	}
	queue, err := application.NewQueue(ctx, store, sink, metrics)
	if err != nil {
		log.Fatalf("queue error: %v", err)
	}

	game, err := application.NewGame(queue, dispatcher, dispatcher.Codec(), store,
		newSettlementFanout(archive, producer), metrics, application.GameConfig{
			StartWaitTimeout: cfg.StartWaitTimeout,
			EndWaitTimeout:   cfg.EndWaitTimeout,
		})
	if err != nil {
		log.Fatalf("game error: %v", err)
	}

	var archiveScores application.ArchiveScores
	if archive != nil {
		archiveScores = archive
	}
	leaderboard, err := application.NewLeaderboard(dispatcher, queue, store, archiveScores, cache, metrics, application.LeaderboardConfig{
		TTL:  cfg.LeaderboardTTL,
		Size: cfg.LeaderboardSize,
	})
	if err != nil {
		log.Fatalf("leaderboard error: %v", err)
	}

	httpServer, err := httpapi.NewServer(cfg, game, queue, leaderboard, store, probes[0], metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		log.Fatalf("http server error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx, cfg.ReconcileInterval, cfg.ResyncInterval, cfg.RetentionWindow)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderboard.Run(ctx, cfg.LeaderboardRefresh)
	}()

	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	slog.Info("arcade started",
		"endpoints", len(endpoints),
		"contract", contract.Address(),
		"wallet", signer.Address(),
	)
	<-ctx.Done()
	wg.Wait()
}

// settlementFanout forwards settled games to the optional long-term
// archive and the optional event stream. Either leg missing is fine.
type settlementFanout struct {
	archive  *mysql.Archive
	producer *kafka.Producer
}

func newSettlementFanout(archive *mysql.Archive, producer *kafka.Producer) application.SettlementArchive {
	if archive == nil && producer == nil {
		return nil
	}
	return &settlementFanout{archive: archive, producer: producer}
}

func (f *settlementFanout) StoreSettlement(ctx context.Context, score domain.LocalScore, localOnly bool) error {
	var firstErr error
	if f.archive != nil {
		if err := f.archive.StoreSettlement(ctx, score, localOnly); err != nil {
			firstErr = err
		}
	}
	if f.producer != nil {
		if err := f.producer.PublishSettlement(ctx, score, localOnly); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
