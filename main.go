// Command chat-relay runs the customer chat relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations.
//   - Builds the live-update hub (optionally bridged across instances through Redis).
//   - Wires the LINE and Telegram clients and the automatic responder into the relay.
//   - Serves webhooks, the admin API and WebSocket, /healthz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/chat-relay/ai"
	"github.com/onnwee/chat-relay/config"
	"github.com/onnwee/chat-relay/db"
	"github.com/onnwee/chat-relay/hub"
	"github.com/onnwee/chat-relay/line"
	"github.com/onnwee/chat-relay/relay"
	"github.com/onnwee/chat-relay/server"
	"github.com/onnwee/chat-relay/telegram"
	"github.com/onnwee/chat-relay/telemetry"
	"github.com/onnwee/chat-relay/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chat-relay", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; databases created before schema_migrations existed fall
	// back to the idempotent embedded statements.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}
	store, err := db.NewStore(database)
	if err != nil {
		slog.Error("store init failed", slog.Any("err", err))
		os.Exit(1)
	}
	go reportPoolStats(ctx, database.Stats)

	// Live-update hub
	registry := hub.NewRegistry(hub.WithConcurrency(cfg.HubBroadcastConcurrency))
	defer registry.Shutdown()

	var broadcaster hub.Broadcaster = registry
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("err", err))
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()

		bridge := hub.NewRedisBridge(redisClient, cfg.RedisChannel, registry)
		go func() { _ = bridge.Run(ctx) }()
		broadcaster = bridge
		slog.Info("redis bridge enabled", slog.String("channel", cfg.RedisChannel))
	}

	// Providers
	messengers := map[string]relay.Messenger{}
	var lineClient *line.Client
	if err := cfg.ValidateLine(); err == nil {
		lineClient, err = line.New(ctx, line.Config{
			ChannelSecret:      cfg.LineChannelSecret,
			ChannelAccessToken: cfg.LineChannelAccessToken,
			ChannelID:          cfg.LineChannelID,
		})
		if err != nil {
			slog.Error("line client init failed", slog.Any("err", err))
			os.Exit(1)
		}
		messengers[relay.ProviderLine] = lineClient
	} else {
		slog.Info("line integration disabled", slog.Any("reason", err))
	}

	var telegramClient *telegram.Client
	var alerter relay.Alerter
	if err := cfg.ValidateTelegram(); err == nil {
		telegramClient, err = telegram.New(telegram.Config{
			Token:         cfg.TelegramBotToken,
			AlertChatID:   cfg.TelegramAlertChatID,
			WebhookSecret: cfg.TelegramWebhookSecret,
		})
		if err != nil {
			slog.Error("telegram client init failed", slog.Any("err", err))
			os.Exit(1)
		}
		messengers[relay.ProviderTelegram] = telegramClient
		if cfg.TelegramAlertChatID != "" {
			alerter = telegramClient
		}
	} else {
		slog.Info("telegram integration disabled", slog.Any("reason", err))
	}

	// Automatic responder
	var responder relay.Responder = ai.Template{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := ai.NewGemini(ctx, ai.GeminiConfig{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			SystemPrompt: cfg.GeminiSystemPrompt,
			Temperature:  cfg.GeminiTemperature,
			MaxTokens:    cfg.GeminiMaxTokens,
		})
		if err != nil {
			slog.Error("gemini init failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() { _ = gemini.Close() }()
		responder = gemini
		slog.Info("gemini responder enabled", slog.String("model", cfg.GeminiModel))
	}

	svc := relay.NewService(relay.Deps{
		Store:      store,
		Hub:        broadcaster,
		Messengers: messengers,
		Responder:  responder,
		Alerter:    alerter,
	}, relay.Options{
		HandoffKeywords: cfg.HandoffKeywords,
		HistoryLimit:    cfg.AIHistoryLimit,
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{
		DB:       database,
		Relay:    svc,
		Registry: registry,
		Redis:    redisClient,
		Line:     lineClient,
		Telegram: telegramClient,
		WS: ws.Options{
			WriteTimeout: cfg.WSWriteTimeout,
			PingInterval: cfg.WSPingInterval,
		},
		Version: version,
	}
	slog.Info("starting http server", slog.String("addr", cfg.HTTPAddr), slog.Any("providers", svc.Providers()))
	if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
		slog.Error("http server exited with error", slog.Any("err", err))
		stop()
	}
	<-ctx.Done()
	slog.Info("shutting down")
}

// reportPoolStats publishes connection pool gauges until ctx ends.
func reportPoolStats(ctx context.Context, stats func() sql.DBStats) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := stats()
			telemetry.UpdateDatabasePoolMetrics(s.OpenConnections, s.InUse)
		}
	}
}
