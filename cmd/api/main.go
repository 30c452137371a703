package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"faceattend/internal/account"
	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/config"
	"faceattend/internal/corpus"
	"faceattend/internal/handler"
	"faceattend/internal/httpmiddleware"
	"faceattend/internal/matcher"
	"faceattend/internal/notify"
	"faceattend/internal/queue"
	"faceattend/internal/store"
	"faceattend/internal/tokenstore"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var tokens tokenstore.Store
	var jobs queue.Queue
	if cfg.QueueBackend == "memory" {
		tokens = tokenstore.NewMemoryStore()
		jobs = queue.NewInMemory(64)
	} else {
		tokens = tokenstore.NewRedisStore(redisClient.Client)
		jobs = queue.NewRedisQueue(redisClient.Client, "faceattend:maintenance")
	}

	var notifier notify.Sender
	if cfg.SMTPHost != "" {
		notifier = notify.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
		log.Printf("SMTP configured: %s:%s", cfg.SMTPHost, cfg.SMTPPort)
	} else {
		notifier = notify.LogSender{}
		log.Println("SMTP not configured, emails go to the process log")
	}

	faces := matcher.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout)
	refs := corpus.NewManager(cfg.CorpusRoot, cfg.HashSize, cfg.Similarity)

	repo := attendance.NewRepository(db.Client)
	att := attendance.NewService(repo, repo, tokens, faces, refs, notifier, jobs, cfg.TokenTTL)
	accounts := account.NewService(account.NewRepository(db.Client), tokens, notifier, cfg.TokenTTL)

	h := handler.New(att, accounts, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1")

	// Public: token redemption and account bootstrap.
	v1.POST("/confirm-attendance/:token", h.ConfirmAttendance)
	users := v1.Group("/users")
	users.POST("/register", h.Register)
	users.POST("/login", h.Login)
	users.POST("/confirm-account/:token", h.ConfirmAccount)
	users.POST("/forgot-password", h.ForgotPassword)
	users.POST("/change-password/:token", h.ChangePassword)

	// Session required.
	authed := v1.Group("", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	authed.POST("/recognition", h.Recognize)
	authed.POST("/users/update", h.UpdateProfile)
	authed.GET("/users/me", h.Me)

	// Faculty and admin manage sessions; only admins touch the model.
	staff := authed.Group("", auth.RequireRole("faculty", "admin"))
	staff.POST("/attendance", h.CreateAttendance)

	admin := authed.Group("", auth.RequireRole("admin"))
	admin.GET("/model", h.ListModel)
	admin.POST("/model", h.CreateModel)
	admin.PUT("/model", h.VerifyModel)
	admin.DELETE("/model", h.DeleteModel)
	admin.POST("/model/duplicates", h.ScanDuplicates)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
