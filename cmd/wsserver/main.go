package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forkful/realtime/db"
	"github.com/forkful/realtime/internal/auth"
	"github.com/forkful/realtime/internal/chat"
	"github.com/forkful/realtime/internal/config"
	"github.com/forkful/realtime/internal/conversation"
	idb "github.com/forkful/realtime/internal/db"
	"github.com/forkful/realtime/internal/gateway"
	"github.com/forkful/realtime/internal/httpapi"
	"github.com/forkful/realtime/internal/logger"
	"github.com/forkful/realtime/internal/messaging"
	"github.com/forkful/realtime/internal/presence"
	"github.com/forkful/realtime/internal/ratelimit"
	"github.com/forkful/realtime/internal/session"
	"github.com/forkful/realtime/internal/ws"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Component("main")

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.AuthTimeout = cfg.AuthTimeout
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	log.Info("realtime server starting",
		"listen_addr", serverConfig.ListenAddr,
		"worker_pool", serverConfig.WorkerPoolSize,
		"max_connections", serverConfig.MaxConnections,
		"auth_timeout", serverConfig.AuthTimeout,
		"typing_timeout", cfg.TypingTimeout,
		"server_name", cfg.ServerName,
		"database", cfg.DatabaseURL != "",
		"redis_addr", cfg.RedisAddr,
		"nats_url", cfg.NATSURL)

	// --- Postgres ---
	var (
		sqlDB     *sql.DB
		store     conversation.Store = conversation.NewMemoryStore()
		directory auth.Directory     = &auth.MemoryDirectory{Open: true}
	)
	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			if err := idb.RunMigrate(log, cfg.DatabaseURL, db.MigrationsFS, "migrations", "up", nil); err != nil {
				log.Error("migration failed", "error", err)
				os.Exit(1)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := idb.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Error("failed to connect to Postgres", "error", err)
			os.Exit(1)
		}
		sqlDB = conn
		store = conversation.NewPostgresStore(sqlDB)
		directory = auth.NewPostgresDirectory(sqlDB)
	} else {
		log.Warn("DATABASE_URL not set, conversations are kept in memory and every token subject is accepted")
	}

	// --- Redis ---
	registry := presence.NewRegistry()
	var (
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
		lister       presence.OnlineLister = registry
	)
	if cfg.RedisAddr != "" {
		s, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		sessionStore = s

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if n, err := sessionStore.PurgeServer(ctx); err != nil {
			log.Warn("purging stale sessions failed", "error", err)
		} else if n > 0 {
			log.Info("purged stale sessions", "count", n)
		}
		cancel()

		limiter = ratelimit.NewLimiter(sessionStore.Client())
		lister = session.NewClusterView(sessionStore, registry)
	}

	// --- Components ---
	fanout := presence.NewFanout(registry, nil)
	broadcaster := presence.NewBroadcaster(registry, fanout, lister)
	registry.OnChange(broadcaster.OnConnectionChange)

	router := chat.NewRouter(store, fanout)
	typing := chat.NewTypingCoordinator(fanout, cfg.TypingTimeout)
	peers := chat.NewActivePeers()

	deps := gateway.Deps{
		Registry:       registry,
		Fanout:         fanout,
		Broadcaster:    broadcaster,
		Router:         router,
		Typing:         typing,
		Peers:          peers,
		TrustedProxies: cfg.TrustedProxies,
	}
	if sessionStore != nil {
		deps.Sessions = sessionStore
		deps.Limiter = limiter
	}
	gw := gateway.New(deps)

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "realtime-" + cfg.ServerName

		c, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		natsClient = c

		relay := messaging.NewRelay(natsClient, cfg.ServerName)
		if err := relay.OnDeliver(gw.HandleRemoteDelivery); err != nil {
			log.Error("relay subscribe failed", "error", err)
			os.Exit(1)
		}
		if err := relay.OnPresence(gw.HandleRemotePresence); err != nil {
			log.Error("relay subscribe failed", "error", err)
			os.Exit(1)
		}
		fanout.SetRelay(relay)
		broadcaster.SetAnnouncer(relay)
	}

	// --- Transport ---
	dispatcher := ws.NewMessageDispatcher(nil)
	gw.Register(dispatcher)

	server := ws.NewServer(serverConfig, auth.NewJWTAuthenticator(cfg.JWTSecret, directory), dispatcher.Dispatch)
	dispatcher.SetServer(server)
	fanout.SetTransport(server)

	server.SetOnOpen(gw.OnOpen)
	server.SetOnDisconnect(gw.OnDisconnect)
	server.SetConnectGuard(gw.ConnectGuard)
	server.SetHealthExtra(func() map[string]interface{} {
		return map[string]interface{}{
			"online_users": registry.Count(),
			"database":     sqlDB != nil,
			"redis":        sessionStore != nil,
			"nats":         natsClient != nil,
		}
	})
	if len(cfg.CORSOrigins) > 0 {
		server.SetMiddleware(httpapi.CORS(cfg.CORSOrigins))
	}

	api := httpapi.NewAPI(auth.NewJWTAuthenticator(cfg.JWTSecret, directory), directory, store, lister, peers)
	api.Register(server.Handle)

	broadcaster.Start()

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	if sessionStore != nil {
		go gw.RunSessionRefresh(refreshCtx, session.SessionTTL/3)
	}

	// Graceful shutdown.
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	stopRefresh()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	cancel()

	broadcaster.Stop()
	typing.Stop()
	if natsClient != nil {
		natsClient.Close()
	}
	if sessionStore != nil {
		if err := sessionStore.Close(); err != nil {
			log.Error("session store close error", "error", err)
		}
	}
	if sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error("database close error", "error", err)
		}
	}

	os.Exit(exitCode)
}
