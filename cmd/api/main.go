package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/classroom"
	"qrattend/internal/config"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/logger"
	"qrattend/internal/queue"
	"qrattend/internal/scan"
	"qrattend/internal/session"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App) error {
	log := logger.WithComponent("api")
	ctx := context.Background()

	var (
		classes handler.ClassStore
		records attendance.Store
		db      *store.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		classes = classroom.NewMemory()
		records = attendance.NewMemoryStore()
		log.Warn("using in-memory stores, records are lost on restart")
	default:
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, log); err != nil {
				return err
			}
		}
		classes = classroom.NewRepository(db.Client)
		records = attendance.NewRepository(db.Client)
	}

	var (
		q       queue.Queue
		limiter httpmiddleware.Limiter
		redis   *store.Redis
	)
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
		deliverCtx, stopDelivery := context.WithCancel(ctx)
		defer stopDelivery()
		go func() {
			if err := queue.DeliverConfirmations(deliverCtx, q, logger.WithComponent("notifications")); err != nil {
				log.Error("in-process confirmation delivery failed", "error", err)
			}
		}()
		limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	} else {
		redis = store.NewRedis(cfg.RedisAddr)
		defer redis.Close()
		q = queue.NewRedisQueue(redis.Client, "", logger.WithComponent("queue"))
		limiter = httpmiddleware.NewRedisWindow(redis.Client, "", cfg.RateLimitPerMin)
	}

	loc := cfg.Location()
	issuer := session.NewIssuer(cfg.ValidityWindow, session.NewQRCodeEncoder(cfg.QRSize), logger.WithComponent("session"))
	pipeline := scan.NewPipeline(
		classes,
		attendance.NewGuard(records, cfg.Cooldown, loc),
		attendance.NewRecorder(records, queue.NewNotifier(q), cfg.LateAfter, loc, logger.WithComponent("recorder")),
		scan.Windows{Validity: cfg.ValidityWindow, Grace: cfg.GracePeriod},
		logger.WithComponent("pipeline"),
	)

	h := handler.New(classes, issuer, pipeline, records, loc, logger.WithComponent("handler"))
	if db != nil {
		h.AddHealthCheck("db", db.Healthy)
	}
	if redis != nil {
		h.AddHealthCheck("redis", redis.Healthy)
	}

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))

	r.Use(securityHeaders())

	r.Use(httpmiddleware.RateLimit(limiter, httpmiddleware.ClientIP, logger.WithComponent("ratelimit")))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.Register(r,
		auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleAdmin),
		auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleStudent),
	)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}
	log.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", "error", err)
	}

	log.Info("server exited")
	return nil
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
