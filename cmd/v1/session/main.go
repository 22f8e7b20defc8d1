package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meetcore/signaling/internal/v1/auth"
	"github.com/meetcore/signaling/internal/v1/bus"
	"github.com/meetcore/signaling/internal/v1/config"
	"github.com/meetcore/signaling/internal/v1/health"
	"github.com/meetcore/signaling/internal/v1/lock"
	"github.com/meetcore/signaling/internal/v1/logging"
	"github.com/meetcore/signaling/internal/v1/middleware"
	"github.com/meetcore/signaling/internal/v1/module"
	"github.com/meetcore/signaling/internal/v1/modules/chat"
	"github.com/meetcore/signaling/internal/v1/modules/control"
	"github.com/meetcore/signaling/internal/v1/modules/moderation"
	"github.com/meetcore/signaling/internal/v1/modules/poll"
	"github.com/meetcore/signaling/internal/v1/modules/protocol"
	"github.com/meetcore/signaling/internal/v1/modules/recording"
	"github.com/meetcore/signaling/internal/v1/modules/timer"
	"github.com/meetcore/signaling/internal/v1/modules/whiteboard"
	"github.com/meetcore/signaling/internal/v1/ratelimit"
	"github.com/meetcore/signaling/internal/v1/roomcoord"
	"github.com/meetcore/signaling/internal/v1/runner"
	"github.com/meetcore/signaling/internal/v1/tracing"
	"github.com/meetcore/signaling/pkg/broker"
	"github.com/meetcore/signaling/pkg/etherpad"
	"github.com/meetcore/signaling/pkg/objectstore"
	whiteboardsvc "github.com/meetcore/signaling/pkg/whiteboard"
)

// tokenValidator is the narrow contract main needs from auth.Validator,
// letting a mock stand in when SKIP_AUTH is set.
type tokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	logger := logging.GetLogger()
	ctx := context.Background()

	var validator tokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled for development - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = v
	}

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
	}
	defer busService.Close()

	store := roomcoord.NewStore(busService)
	rooms := roomcoord.NewRegistry(busService)
	locker := lock.New(busService, time.Duration(cfg.RoomLockLeaseMs)*time.Millisecond)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to create rate limiter", zap.Error(err))
	}

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "signaling", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled: failed to init tracer", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	registry := buildModuleRegistry(cfg, store, locker, busService)

	deps := runner.Deps{
		Store:                   store,
		Bus:                     busService,
		Rooms:                   rooms,
		Locker:                  locker,
		Modules:                 registry,
		DefaultParticipantLimit: cfg.TariffParticipantLimit,
	}

	router := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(rateLimiter.GlobalMiddleware())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true }, // origin is enforced by cors above
	}

	router.GET("/ws/rooms/:roomId", middleware.RoomScope(), func(c *gin.Context) {
		if !rateLimiter.CheckWebSocket(c) {
			return
		}

		identity, ok := authenticate(c, validator)
		if !ok {
			return
		}
		if identity.UserID != "" {
			if err := rateLimiter.CheckWebSocketUser(c.Request.Context(), identity.UserID); err != nil {
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this user"})
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
			return
		}

		roomID := c.Param("roomId")
		r := runner.New(runner.NewConn(conn), roomID, identity, deps)
		r.Run(c.Request.Context())
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	logger.Sync()
}

// authenticate extracts and validates the bearer token or, when no token is
// present, accepts a guest display name, writing a 401 and returning false
// on failure.
func authenticate(c *gin.Context, validator tokenValidator) (runner.Identity, bool) {
	tokenString := c.Query("token")
	if tokenString == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		}
	}

	if tokenString == "" {
		guestName := c.Query("guest_name")
		if guestName == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return runner.Identity{}, false
		}
		return runner.Identity{
			DisplayNameHint:   guestName,
			ParticipationKind: roomcoord.ParticipationGuest,
		}, true
	}

	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return runner.Identity{}, false
	}

	return runner.Identity{
		UserID:            claims.Subject,
		DisplayNameHint:   claims.Name,
		ParticipationKind: claims.ParticipationKind(),
	}, true
}

// buildModuleRegistry constructs every module named in cfg.ModulesEnabled,
// wiring each to the external helper pkg/ client its production behavior
// needs. control must always be built first (module.NewRegistry enforces
// this and panics otherwise).
func buildModuleRegistry(cfg *config.Config, store *roomcoord.Store, locker *lock.Locker, busService *bus.Service) *module.Registry {
	enabled := make(map[string]bool, len(cfg.ModulesEnabled))
	for _, name := range cfg.ModulesEnabled {
		enabled[name] = true
	}

	var mods []module.Module
	mods = append(mods, control.New(store))

	if enabled[moderation.Namespace] {
		mods = append(mods, moderation.New(store))
	}
	if enabled[chat.Namespace] {
		mods = append(mods, chat.New(store, cfg.ChatMaxMessageSize))
	}
	if enabled[poll.Namespace] {
		publish := func(ctx context.Context, roomID string, ev module.Event) {
			runner.PublishEvent(ctx, busService, roomID, poll.Namespace, ev)
		}
		mods = append(mods, poll.New(store, cfg.PollChoiceLimits, cfg.PollDurationLimits, publish))
	}
	if enabled[timer.Namespace] {
		publish := func(ctx context.Context, roomID string, ev module.Event) {
			runner.PublishEvent(ctx, busService, roomID, timer.Namespace, ev)
		}
		mods = append(mods, timer.New(store, cfg.TimerDurationLimits, publish))
	}
	var assets *objectstore.Store
	if enabled[protocol.Namespace] || enabled[whiteboard.Namespace] {
		s, err := objectstore.New(cfg.ObjectStoreEndpoint, cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, cfg.ObjectStoreBucket, cfg.ObjectStoreUseSSL)
		if err != nil {
			logging.Fatal(context.Background(), "failed to connect to object store", zap.Error(err))
		}
		assets = s
	}

	if enabled[protocol.Namespace] {
		pad := etherpad.New(cfg.EtherpadBaseURL, cfg.EtherpadAPIKey, 10*time.Second)
		mods = append(mods, protocol.New(store, locker, pad, assets))
	}
	if enabled[whiteboard.Namespace] {
		space := whiteboardsvc.New(cfg.WhiteboardBaseURL, cfg.WhiteboardAPIKey, 10*time.Second)
		mods = append(mods, whiteboard.New(store, locker, space, assets))
	}
	if enabled[recording.Namespace] {
		queue, err := broker.New(cfg.NatsURL)
		if err != nil {
			logging.Fatal(context.Background(), "failed to connect to nats", zap.Error(err))
		}
		mods = append(mods, recording.New(store, queue))
	}

	return module.NewRegistry(mods...)
}
