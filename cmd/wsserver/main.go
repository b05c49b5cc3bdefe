package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/driftchat/drift/internal/ban"
	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/handler"
	"github.com/driftchat/drift/internal/logging"
	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/outbox"
	"github.com/driftchat/drift/internal/ratelimit"
	"github.com/driftchat/drift/internal/relay"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/ws"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			var path string
			cfg := config.Default()
			fmt.Fprintf(os.Stderr, "Usage: wsserver [flags]\n\n%s", config.Flags("wsserver", &cfg, &path).FlagUsages())
			return
		}
		log.Fatal().Err(err).Msg("wsserver failed")
	}
}

func run() error {
	cfg, err := config.Load("wsserver", os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("worker_pool", cfg.Server.WorkerPoolSize).
		Int("max_connections", cfg.Server.MaxConnections).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Bool("database", cfg.Database.URL != "").
		Dur("max_wait", cfg.Matching.MaxWait).
		Msg("drift server starting")

	// --- Redis: rate limits and bans ---
	var (
		limiter relay.Limiter
		bans    *ban.Store
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		limiter = ratelimit.NewLimiter(rdb)
		bans = ban.NewStore(rdb)
	} else {
		log.Warn().Msg("redis disabled: no rate limits or bans")
	}

	// --- Reports ---
	reports := report.NewService()
	defer reports.Close()

	var natsClient *messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer natsClient.Close()
		reports.AddSink(report.NewBusSink(natsClient))
	}

	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err := report.OpenPostgres(ctx, cfg.Database.URL)
		if err == nil {
			err = report.Migrate(ctx, db)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("report database: %w", err)
		}
		defer db.Close()
		reports.AddSink(report.NewStore(db))
	}

	if bans != nil {
		reports.AddSink(report.NewEscalationSink(bans, func(ev report.BanEvent) {
			if natsClient == nil {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := natsClient.PublishBan(data); err != nil {
				log.Error().Err(err).Msg("publish ban")
			}
		}))
	}

	// --- Engine, outbox, handler ---
	// Declared early so the outbox delivery closure can capture them.
	var (
		h      *handler.Handler
		server *ws.Server
	)

	ob := outbox.New(cfg.Matching.MailboxSize, func(id matching.Identity, n matching.Notification) {
		h.Deliver(id, n)
	})
	engine := matching.NewEngine(matching.Config{MaxWait: cfg.Matching.MaxWait}, ob)

	dispatcher := ws.NewMessageDispatcher()
	server = ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxFrameSize:   cfg.Server.MaxFrameSize,
	}, dispatcher.Dispatch)

	handlerCfg := handler.Config{
		Engine:  engine,
		Outbox:  ob,
		Relay:   relay.New(engine, limiter),
		Reports: reports,
		Limiter: limiter,
		Send:    server.SendMessage,
	}
	if bans != nil {
		handlerCfg.Bans = bans
	}
	h = handler.New(handlerCfg)
	h.Register(dispatcher)

	// A client too slow to take a lifecycle notification is disconnected so
	// the engine does not keep it paired.
	ob.SetOnOverflow(func(id matching.Identity) { server.Disconnect(string(id)) })
	server.SetOnConnect(h.OnConnect)
	server.SetOnDisconnect(h.OnDisconnect)
	server.SetAdmit(h.Admit)
	server.SetStats(func() ws.Stats {
		st := engine.Stats()
		return ws.Stats{Queued: st.Queued, Sessions: st.Sessions}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go engine.StartSweeper(ctx, cfg.Matching.SweepInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	ob.Shutdown()
	h.Close()
	// Flush report sinks while NATS and Postgres are still open.
	reports.Close()
	return nil
}
