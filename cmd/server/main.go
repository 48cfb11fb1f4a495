// Botsapp - realtime AI companion chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/botsapp/internal/agent"
	"github.com/ashureev/botsapp/internal/api"
	"github.com/ashureev/botsapp/internal/calls"
	"github.com/ashureev/botsapp/internal/config"
	"github.com/ashureev/botsapp/internal/conversation"
	"github.com/ashureev/botsapp/internal/gateway"
	"github.com/ashureev/botsapp/internal/identity"
	"github.com/ashureev/botsapp/internal/middleware"
	"github.com/ashureev/botsapp/internal/observability"
	"github.com/ashureev/botsapp/internal/presence"
	"github.com/ashureev/botsapp/internal/push"
	"github.com/ashureev/botsapp/internal/scheduler"
	"github.com/ashureev/botsapp/internal/store"
	"github.com/ashureev/botsapp/internal/voice"
)

const (
	chatRateLimit  = 30
	chatRateWindow = time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "timezone", cfg.Schedule.Timezone)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	router := presence.NewRouter(
		presence.WithWriteTimeout(cfg.PresenceWriteTimeout),
		presence.WithMetrics(metrics),
		presence.WithLogger(logger),
	)

	notifier, err := newNotifier(cfg, metrics, logger)
	if err != nil {
		slog.Error("Failed to initialize push transports", "error", err)
		os.Exit(1)
	}

	callService := calls.NewService(repo, notifier, router, metrics, cfg.CallRingTimeout, logger)
	defer callService.Stop()
	if _, err := callService.Recover(context.Background()); err != nil {
		slog.Warn("Failed to recover ringing calls", "error", err)
	}

	model, err := agent.NewGeminiModel(context.Background(), cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		slog.Error("Failed to initialize model client", "error", err)
		os.Exit(1)
	}

	// One cron instance drives both reminders and proactive check-ins.
	cronRunner := scheduler.NewCron(logger)
	reminders := scheduler.NewReminders(scheduler.ReminderConfig{
		Cron:         cronRunner,
		Repo:         repo,
		Calls:        callService,
		Presence:     router,
		Alerts:       notifier,
		Metrics:      metrics,
		MisfireGrace: cfg.Schedule.MisfireGrace,
		Logger:       logger,
	})

	tools := agent.NewRegistry(
		agent.SendMessageTool{},
		agent.NewScheduleCallTool(repo, reminders),
		agent.NewSetReminderTool(repo, reminders),
		agent.CancelScheduleTool{Store: repo, Scheduler: reminders},
		agent.CallNowTool{Calls: callService},
	)
	loop := agent.NewLoop(model,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithTracer(agent.NewStoreTracer(repo, logger)),
		agent.WithMetrics(metrics),
		agent.WithLogger(logger),
	)
	conv := conversation.NewService(conversation.Config{
		Repo:     repo,
		Loop:     loop,
		Tools:    tools,
		Presence: router,
		Alerts:   notifier,
		Location: cfg.Schedule.Location,
		Logger:   logger,
	})
	proactive := scheduler.NewProactive(cronRunner, repo, conv, metrics, logger)

	if n, err := reminders.LoadPending(context.Background()); err != nil {
		slog.Error("Failed to load pending reminders", "error", err)
		os.Exit(1)
	} else {
		slog.Info("Reminders scheduled", "count", n)
	}
	if n, err := proactive.LoadAll(context.Background()); err != nil {
		slog.Error("Failed to load proactive bots", "error", err)
		os.Exit(1)
	} else {
		slog.Info("Proactive check-ins scheduled", "bots", n)
	}
	cronRunner.Start()

	tokens := identity.NewTokens(cfg.JWTSecret)
	limiter := gateway.NewRateLimiter(chatRateLimit, chatRateWindow)
	defer limiter.Stop()

	origins := gateway.OriginPatterns(cfg.CORSOrigins)
	chatHandler := gateway.NewChatHandler(gateway.ChatConfig{
		Tokens:   tokens,
		Repo:     repo,
		Conv:     conv,
		Presence: router,
		Limiter:  limiter,
		Origins:  origins,
		Logger:   logger,
	})
	voiceHandler := gateway.NewVoiceHandler(gateway.VoiceConfig{
		Tokens:  tokens,
		Repo:    repo,
		Calls:   callService,
		Dialer:  voice.NewGeminiDialer(model.Client(), cfg.Gemini.VoiceModel),
		Metrics: metrics,
		Origins: origins,
		Logger:  logger,
	})

	baseHandler := api.NewHandler(repo, callService, reminders, proactive, reg)
	healthHandler := api.NewHealthHandler(repo, reminders)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// WebSocket endpoints authenticate from the token query parameter and
	// close with 4001 on failure, so they sit outside the HTTP auth middleware.
	r.Get("/ws", chatHandler.ServeHTTP)
	r.Get("/ws/voice/{chat_id}", voiceHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chiMiddleware.Logger)
		r.Use(identity.Middleware(tokens, repo))
		baseHandler.RegisterRoutes(r)
	})

	// Hijacked sockets outlive srv.Shutdown; cancelling the base context
	// ends their request contexts so voice calls and chat reads unwind.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// WriteTimeout stays 0 so long-lived sockets are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	cancelBase()
	router.CloseAll()

	// Let running jobs and in-flight replies finish before the store closes.
	select {
	case <-cronRunner.Stop().Done():
	case <-shutdownCtx.Done():
		slog.Warn("Scheduler jobs still running at shutdown")
	}
	if err := chatHandler.Wait(shutdownCtx); err != nil {
		slog.Warn("Replies still running at shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// newNotifier builds the push transports that have credentials configured.
// Missing credentials disable a transport rather than failing startup.
func newNotifier(cfg *config.Config, m *observability.Metrics, logger *slog.Logger) (*push.Notifier, error) {
	var apns *push.Dispatcher
	if cfg.APNs.Enabled() {
		signer, err := push.LoadSigner(cfg.APNs.TeamID, cfg.APNs.KeyID, cfg.APNs.AuthKeyPath)
		if err != nil {
			return nil, err
		}
		apns, err = push.NewDispatcher(signer, cfg.APNs.BundleID, cfg.APNs.UseSandbox,
			push.WithDispatcherMetrics(m),
			push.WithDispatcherLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		slog.Info("APNs enabled", "sandbox", cfg.APNs.UseSandbox)
	} else {
		slog.Info("APNs disabled (credentials not set)")
	}

	var fcm *push.FCMSender
	if cfg.FCM.CredentialsPath != "" {
		var err error
		fcm, err = push.NewFCMSender(context.Background(), cfg.FCM.CredentialsPath, cfg.FCM.ProjectID, m)
		if err != nil {
			return nil, err
		}
		slog.Info("FCM enabled", "project_id", cfg.FCM.ProjectID)
	} else {
		slog.Info("FCM disabled (credentials not set)")
	}

	return push.NewNotifier(apns, fcm, cfg.PushRetries, cfg.PublicBaseURL, logger), nil
}
