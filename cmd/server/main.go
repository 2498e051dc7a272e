package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatcore/internal/config"
	"chatcore/internal/domain"
	"chatcore/internal/httpserver"
	"chatcore/internal/metrics"
	"chatcore/internal/notify"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/postgres"
	"chatcore/internal/store/sqlite"
	"chatcore/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type stores struct {
	rooms    domain.RoomRepository
	messages domain.MessageRepository
	receipts domain.ReceiptRepository
	close    func()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := charmlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = charmlog.InfoLevel
	}
	logger := slog.New(charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          cfg.AppName,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var codec security.ContentCodec = security.Plaintext{}
	if cfg.EncryptKey != "" {
		enc, err := security.NewEncryptor([]byte(cfg.EncryptKey), cfg.LegacyEncryptionKeys)
		if err != nil {
			return fmt.Errorf("initialize encryptor: %w", err)
		}
		codec = enc
	} else {
		logger.Warn("ENCRYPTION_KEY not set, message content is stored in plain text")
	}

	st, err := openStores(ctx, cfg, codec, logger)
	if err != nil {
		return err
	}
	defer st.close()

	dispatcher, closeDispatcher, err := openDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	m := metrics.New()
	tokens := security.NewTokenService(cfg.JWTSecret, 24*time.Hour)

	bridge := notify.NewBridge(dispatcher, notify.Options{
		QueueSize:     cfg.NotifyQueueSize,
		Workers:       cfg.NotifyWorkers,
		Timeout:       cfg.NotifyTimeout,
		PreviewLength: cfg.PreviewLength,
	}, m, logger)

	hub := ws.NewHub(bridge.OnMissed, m, logger)

	messages := service.NewMessageService(st.rooms, st.messages, hub, m, logger)
	messages.MaxContentLength = cfg.MaxContentLength
	messages.BacklogPageSize = cfg.BacklogPageSize
	messages.HistoryPageSize = cfg.HistoryPageSize
	messages.PersistTimeout = cfg.PersistTimeout

	rooms := service.NewRoomService(st.rooms, st.receipts, messages, hub, logger)
	receipts := service.NewReceiptService(rooms, st.receipts, hub, m, logger, 0)

	gateway := ws.NewGateway(hub, tokens, rooms, messages, receipts, ws.Options{
		AllowedOrigins: cfg.CORSOrigins,
		SendBuffer:     cfg.SendBufferSize,
		PresenceGrace:  cfg.PresenceGrace,
	}, m, logger)

	router := httpserver.NewRouter(cfg.CORSOrigins, httpserver.Services{
		Tokens:   tokens,
		Rooms:    rooms,
		Messages: messages,
		Receipts: receipts,
		Gateway:  gateway,
		Metrics:  m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bridge.Run(gctx) })
	g.Go(func() error { return receipts.Run(gctx) })
	g.Go(func() error { return gateway.RunPresence(gctx) })
	g.Go(func() error {
		logger.Info("starting chat server", "addr", cfg.HTTPAddr(), "store", cfg.StoreDriver, "notify", cfg.NotifyDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start chat server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		hub.CloseAll("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStores(ctx context.Context, cfg *config.Config, codec security.ContentCodec, logger *slog.Logger) (stores, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, fmt.Errorf("open postgres: %w", err)
		}
		start := time.Now()
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return stores{}, fmt.Errorf("migrate postgres schema: %w", err)
		}
		logger.Info("finished postgres migrations", "took", time.Since(start))
		return stores{
			rooms:    postgres.NewRoomRepo(pool, codec),
			messages: postgres.NewMessageRepo(pool, codec),
			receipts: postgres.NewReceiptRepo(pool),
			close:    pool.Close,
		}, nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return stores{}, fmt.Errorf("open sqlite: %w", err)
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return stores{}, fmt.Errorf("migrate sqlite schema: %w", err)
		}
		return stores{
			rooms:    sqlite.NewRoomRepo(db, codec),
			messages: sqlite.NewMessageRepo(db, codec),
			receipts: sqlite.NewReceiptRepo(db),
			close:    func() { _ = db.Close() },
		}, nil
	}
}

func openDispatcher(cfg *config.Config, logger *slog.Logger) (notify.Dispatcher, func(), error) {
	switch cfg.NotifyDriver {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.AppName))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return notify.NewNATSDispatcher(nc, cfg.NATSSubjectPrefix), nc.Close, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return notify.NewRedisDispatcher(client, cfg.RedisChannel), func() { _ = client.Close() }, nil

	default:
		return notify.LogDispatcher{Log: logger.With("component", "notify")}, func() {}, nil
	}
}
