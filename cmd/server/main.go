package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/squarejellyfish/ntuber/internal/config"
	"github.com/squarejellyfish/ntuber/internal/dispatch"
	"github.com/squarejellyfish/ntuber/internal/eta"
	"github.com/squarejellyfish/ntuber/internal/fare"
	httpapi "github.com/squarejellyfish/ntuber/internal/http"
	"github.com/squarejellyfish/ntuber/internal/ledger"
	"github.com/squarejellyfish/ntuber/internal/ledger/eth"
	"github.com/squarejellyfish/ntuber/internal/location"
	"github.com/squarejellyfish/ntuber/internal/logging"
	"github.com/squarejellyfish/ntuber/internal/mirror"
	"github.com/squarejellyfish/ntuber/internal/models"
	"github.com/squarejellyfish/ntuber/internal/relay"
	"github.com/squarejellyfish/ntuber/internal/session"
	"github.com/squarejellyfish/ntuber/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("ntuber", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()
	var readiness []func(context.Context) error

	client, err := dialLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := client.(*eth.Client); ok {
		defer c.Close()
	}
	identity := client.Identity()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rdb)
		readiness = append(readiness, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	backend, err := deferredBackend(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	if pg, ok := backend.(*storage.PostgresStore); ok {
		closers = append(closers, pg)
		readiness = append(readiness, pg.Ping)
	}
	deferred, err := storage.NewDeferredSet(ctx, backend)
	if err != nil {
		return err
	}

	mir := mirror.New(client, mirror.Config{
		Window:             cfg.MirrorWindow,
		PollInterval:       cfg.MirrorPollInterval,
		MinRefreshInterval: cfg.MinRefreshInterval,
	}, logger)

	feed := location.NewFeed(cfg.LocationMaxAge)

	channel, err := relayChannel(ctx, cfg, rdb, logger, &closers)
	if err != nil {
		return err
	}
	tracker := relay.New(channel, feed, identity, relay.Config{
		PollInterval:   cfg.RelayPollInterval,
		PublishTimeout: cfg.PublishTimeout,
		PollTimeout:    cfg.PollTimeout,
		StrictWriter:   cfg.StrictWriter,
	}, logger)

	fareCfg, err := cfg.Fare()
	if err != nil {
		return err
	}
	fares := fare.New(fareCfg)

	var estimator eta.Estimator = eta.Straight{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator = eta.WithFallback{Primary: eta.NewOSRMClient(cfg.OSRMEndpoint), Fallback: eta.Straight{SpeedMps: cfg.DefaultSpeedMps}}
	}

	engine := session.New(session.Config{Identity: identity, Role: models.Role(cfg.Role)}, session.Deps{
		Ledger:   client,
		Rides:    mir,
		Tracker:  tracker,
		Location: feed,
		Fares:    fares,
		ETA:      estimator,
		Deferred: deferred,
		Logger:   logger,
	})
	hub := dispatch.NewHub(engine, logger)

	errCh := make(chan error, 3)
	go func() { errCh <- mir.Run(ctx) }()
	go func() { errCh <- engine.Run(ctx) }()
	go hub.Run(ctx)

	api := httpapi.NewServer(engine, fares, feed, hub, logger)
	api.AllowedOrigins = cfg.AllowedOrigins
	api.Ready = func(ctx context.Context) error {
		var errs []error
		for _, check := range readiness {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ntuber session listening", "addr", cfg.HTTPAddr, "identity", identity, "role", cfg.Role,
			"ledger", cfg.LedgerBackend, "relay", cfg.RelayBackend, "deferred", cfg.DeferredBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("component failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func dialLedger(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (ledger.Client, error) {
	if cfg.LedgerBackend == "eth" {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		c, err := eth.Dial(dialCtx, eth.Config{
			RPCURL:     cfg.EthRPCURL,
			Contract:   cfg.EthContract,
			PrivateKey: cfg.EthPrivateKey,
			ChainID:    cfg.EthChainID,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("ledger connected", "contract", cfg.EthContract, "chain_id", cfg.EthChainID)
		return c, nil
	}
	logger.Warn("using in-process ledger; rides are not shared with other clients")
	return ledger.NewMemory().As(models.Address(cfg.Identity)), nil
}

func deferredBackend(ctx context.Context, cfg config.ServerConfig, rdb *redis.Client, logger *slog.Logger) (storage.DeferredStore, error) {
	switch cfg.DeferredBackend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		return storage.NewRedisStore(rdb, cfg.DeferredKey), nil
	case "postgres":
		pg, err := storage.NewPostgresStore(cfg.PGDSN, cfg.DeferredKey)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
			logger.Info("migration applied", "table", "deferred_ratings")
		}
		return pg, nil
	default:
		fs, err := storage.NewFileStore(cfg.DeferredDir, cfg.DeferredKey)
		if err != nil {
			return nil, err
		}
		logger.Info("deferred ratings stored on disk", "path", fs.Path())
		return fs, nil
	}
}

func relayChannel(ctx context.Context, cfg config.ServerConfig, rdb *redis.Client, logger *slog.Logger, closers *[]io.Closer) (relay.Channel, error) {
	switch cfg.RelayBackend {
	case "redis":
		return relay.NewRedisChannel(rdb, cfg.PositionTTL, cfg.StrictWriter, logger), nil
	case "kafka":
		// Samples go to Kafka; the consumer folds them into the Redis keys
		// the requester side polls.
		pub := relay.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		*closers = append(*closers, pub)
		return relay.Split{
			Publisher: pub,
			Poller:    relay.NewRedisChannel(rdb, cfg.PositionTTL, cfg.StrictWriter, logger),
		}, nil
	case "amqp":
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, conn)
		ch, err := relay.NewAMQPChannel(ctx, conn, cfg.AMQPExchange, cfg.StrictWriter, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, ch)
		return ch, nil
	default:
		return relay.NewMemoryChannel(cfg.StrictWriter, logger), nil
	}
}
