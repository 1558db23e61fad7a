package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/metrics"
	"rollcall/internal/notify"
	"rollcall/internal/roster"
	"rollcall/internal/session"
	"rollcall/internal/store"
	"rollcall/internal/token"
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
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable, falling back to in-memory stores: %v", err)
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var (
		sessions session.Store
		ledger   session.Ledger
		enrolled roster.Roster
	)
	if db != nil {
		sessions = session.NewPGStore(db.Client)
		ledger = session.NewPGLedger(db.Client)
		enrolled = roster.NewPG(db.Client)
	} else {
		sessions = session.NewMemStore()
		ledger = session.NewMemLedger()
		enrolled = roster.NewMemory()
	}

	var creds token.Store
	if cfg.CredBackend == "memory" {
		creds = token.NewMemory()
	} else {
		creds = token.NewRedis(redisClient.Client, "")
	}

	var notifier notify.Notifier
	if cfg.NotifyBackend == "memory" {
		notifier = notify.NewMemory()
	} else {
		notifier = notify.NewRedis(redisClient.Client, "")
	}

	engine := session.NewEngine(session.EngineConfig{
		Store:       sessions,
		Ledger:      ledger,
		Roster:      enrolled,
		Credentials: token.NewRotator(creds, cfg.RotationTTL),
		Notifier:    notifier,
		GeoPolicy: geo.Policy{
			MaxAccuracyMeters:   cfg.GeoMaxAccuracyM,
			SpoofDistanceMeters: cfg.GeoSpoofDistanceM,
			SpoofAccuracyMeters: cfg.GeoSpoofAccuracyM,
		},
		ScanBaseURL: cfg.ScanBaseURL,
		MinOffset:   cfg.SessionMinOffset,
		MaxOffset:   cfg.SessionMaxOffset,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev token mint. In production the identity subsystem issues
	// principals; this engine only consumes them.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/auth/token", func(c *gin.Context) {
			var req struct {
				ID   string `json:"id" binding:"required"`
				Role string `json:"role" binding:"required,oneof=teacher student"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			tok, exp, err := auth.Issue(auth.Principal{ID: req.ID, Role: req.Role},
				cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"access_token": tok, "expires_at": exp.Unix()})
		})
	}

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	v1 := r.Group("/v1", auth.Middleware(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware())

	staff := v1.Group("", auth.RequireRole(auth.RoleTeacher))

	staff.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID        string     `json:"course_id" binding:"required"`
			TermID          string     `json:"term_id" binding:"required"`
			Mode            string     `json:"mode" binding:"required"`
			DeadlineMinutes int        `json:"deadline_minutes" binding:"required,min=1"`
			Location        *geo.Fence `json:"location"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := engine.Create(c.Request.Context(), session.CreateInput{
			CourseID:       req.CourseID,
			TermID:         req.TermID,
			TeacherID:      auth.FromContext(c).ID,
			Mode:           session.Mode(req.Mode),
			DeadlineOffset: time.Duration(req.DeadlineMinutes) * time.Minute,
			Location:       req.Location,
		})
		if err != nil {
			writeEngineError(c, err)
			return
		}
		resp := gin.H{"session": res.Session}
		if res.ScanURL != "" {
			resp["scan_url"] = res.ScanURL
		}
		c.JSON(http.StatusCreated, resp)
	})

	v1.GET("/courses/:courseID/sessions/active", func(c *gin.Context) {
		sess, err := engine.ActiveSession(c.Request.Context(), c.Param("courseID"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess})
	})

	staff.GET("/sessions/:id/records", func(c *gin.Context) {
		recs, err := engine.Records(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	staff.POST("/sessions/:id/close", func(c *gin.Context) {
		closed, err := engine.Close(c.Request.Context(), c.Param("id"))
		if closed {
			// count real transitions only, not idempotent no-ops
			metrics.SessionsClosedTotal.WithLabelValues("manual").Inc()
		}
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	})

	staff.POST("/sessions/:id/cancel", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := engine.Cancel(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
			writeEngineError(c, err)
			return
		}
		metrics.SessionsClosedTotal.WithLabelValues("cancel").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	})

	staff.POST("/sessions/:id/refresh", func(c *gin.Context) {
		scanURL, err := engine.Refresh(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scan_url": scanURL})
	})

	staff.POST("/sessions/:id/reconcile", func(c *gin.Context) {
		if err := engine.Reconcile(c.Request.Context(), c.Param("id")); err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
	})

	staff.POST("/sessions/:id/marks", func(c *gin.Context) {
		var mark session.ManualMark
		if err := c.ShouldBindJSON(&mark); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := engine.MarkManual(c.Request.Context(), c.Param("id"), mark, auth.FromContext(c).ID)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "marked"})
	})

	staff.POST("/sessions/:id/marks/bulk", func(c *gin.Context) {
		var req struct {
			Marks []session.ManualMark `json:"marks" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		applied, conflicts, err := engine.MarkManualBulk(c.Request.Context(), c.Param("id"), req.Marks, auth.FromContext(c).ID)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"applied": applied, "conflicts": conflicts})
	})

	v1.POST("/scan", auth.RequireRole(auth.RoleStudent), func(c *gin.Context) {
		var req struct {
			Token     string  `json:"token" binding:"required"`
			Lat       float64 `json:"lat"`
			Lng       float64 `json:"lng"`
			AccuracyM float64 `json:"accuracy_m"`
			Liveness  bool    `json:"liveness"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			metrics.ScansTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := engine.Scan(c.Request.Context(), session.ScanInput{
			Token:     req.Token,
			StudentID: auth.FromContext(c).ID,
			Proof: session.Proof{
				Fix: geo.Fix{
					Point:          geo.Point{Lat: req.Lat, Lng: req.Lng},
					AccuracyMeters: req.AccuracyM,
				},
				Liveness: req.Liveness,
			},
		})
		if err != nil {
			countScanError(err)
			writeEngineError(c, err)
			return
		}
		if res.AlreadyMarked {
			metrics.ScansTotal.WithLabelValues(metrics.OutcomeAlreadyMarked).Inc()
		} else {
			metrics.ScansTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":     res.SessionID,
			"status":         "present",
			"already_marked": res.AlreadyMarked,
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(c *gin.Context, err error) {
	var forbidden *session.ForbiddenError
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, session.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "session not accepting writes"})
	case errors.Is(err, session.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &forbidden):
		body := gin.H{"error": forbidden.Error(), "reason": forbidden.Reason}
		if forbidden.Reason != session.ReasonNotEnrolled {
			body["distance_m"] = forbidden.DistanceMeters
			body["allowed_m"] = forbidden.AllowedMeters
		}
		c.JSON(http.StatusForbidden, body)
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func countScanError(err error) {
	var forbidden *session.ForbiddenError
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrConflict),
		errors.Is(err, session.ErrInvalidInput),
		errors.As(err, &forbidden):
		metrics.ScansTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
	default:
		metrics.ScansTotal.WithLabelValues(metrics.OutcomeError).Inc()
	}
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

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
