package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/aggregate"
	"classtrack/internal/attendance"
	"classtrack/internal/audit"
	"classtrack/internal/auth"
	"classtrack/internal/config"
	"classtrack/internal/evidence"
	"classtrack/internal/faceclient"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/hub"
	"classtrack/internal/queue"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/token"
	"classtrack/internal/verify"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
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
		_ = db.Close()
		db = nil
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" || db == nil {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:samples")
	}

	// Wiring: registry owns session + token transitions, the pipeline
	// owns record creation, the engine owns rolling aggregates.
	tokens := token.NewIssuer(cfg.TokenTTL)
	events := hub.New(64)

	var auditLog audit.Recorder
	var recStore attendance.Store
	if db != nil {
		auditLog = audit.NewLog(db.Client)
		recStore = attendance.NewPGStore(db.Client)
	} else {
		auditLog = audit.NewMemLog()
		recStore = attendance.NewMemStore()
	}

	registry := session.NewRegistry(tokens, events, auditLog)
	att := attendance.NewService(recStore, registry, events, auditLog, cfg.LateAfter)
	engine := aggregate.NewEngine(aggregate.Policy{
		IDCardPenalty:   cfg.IDCardPenalty,
		PhonePenalty:    cfg.PhonePenalty,
		PhonePenaltyCap: cfg.PhonePenaltyCap,
	})

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	arbiter := verify.NewArbiter(registry, tokens, verify.ClientVerifier{Client: face}, cfg.FaceThreshold)

	// Evidence storage client (nil when not configured)
	var cdnClient *evidence.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = evidence.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("evidence storage configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("evidence storage not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	ctx := context.Background()

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy && cfg.QueueBackend != "memory" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev-only token endpoint; production takes tokens from the identity
	// provider.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/auth/token", func(c *gin.Context) {
			var req struct {
				Subject string `json:"subject" binding:"required"`
				Role    string `json:"role" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if req.Role != auth.RoleStudent && req.Role != auth.RoleFaculty {
				c.JSON(http.StatusBadRequest, gin.H{"error": "role must be student or faculty"})
				return
			}
			signed, exp, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, 12*time.Hour)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"access_token": signed, "expires_at": exp.Unix()})
		})
	}

	authGroup := r.Group("/v1", auth.Middleware(cfg.JWTSigningKey, cfg.JWTIssuer))
	facultyOnly := auth.RequireRole(auth.RoleFaculty)

	authGroup.POST("/sessions", facultyOnly, func(c *gin.Context) {
		var req struct {
			CourseID        string `json:"course_id" binding:"required"`
			ClassType       string `json:"class_type"`
			DurationMinutes int    `json:"duration_minutes" binding:"required"`
			Location        string `json:"location"`
			TotalStudents   int    `json:"total_students"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := registry.Open(c.Request.Context(), session.OpenParams{
			CourseID:        req.CourseID,
			FacultyID:       auth.From(c).Subject,
			ClassType:       req.ClassType,
			DurationMinutes: req.DurationMinutes,
			Location:        req.Location,
			TotalStudents:   req.TotalStudents,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, s)
	})

	authGroup.GET("/sessions/:id", func(c *gin.Context) {
		s, err := registry.Snapshot(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, s)
	})

	authGroup.POST("/sessions/:id/close", facultyOnly, func(c *gin.Context) {
		s, err := registry.Close(c.Request.Context(), c.Param("id"), auth.From(c).Subject)
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, session.ErrAlreadyClosed):
			c.JSON(http.StatusConflict, gin.H{"error": "session already closed"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusOK, s)
		}
	})

	authGroup.GET("/sessions/:id/token", facultyOnly, func(c *gin.Context) {
		tok, err := registry.CurrentToken(c.Param("id"))
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case err != nil:
			c.JSON(http.StatusGone, gin.H{"error": "session not active"})
		default:
			c.JSON(http.StatusOK, tok)
		}
	})

	authGroup.POST("/sessions/:id/token/rotate", facultyOnly, func(c *gin.Context) {
		tok, err := registry.RotateToken(c.Request.Context(), c.Param("id"), auth.From(c).Subject)
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case err != nil:
			c.JSON(http.StatusGone, gin.H{"error": "session not active"})
		default:
			c.JSON(http.StatusOK, tok)
		}
	})

	authGroup.POST("/sessions/:id/attendance", func(c *gin.Context) {
		var req struct {
			StudentID  string `json:"student_id" binding:"required"`
			Method     string `json:"method" binding:"required"`
			ImageURL   string `json:"image_url"`
			TokenValue string `json:"token_value"`
			Status     string `json:"status"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims := auth.From(c)
		// Students may only mark themselves.
		if claims.Role == auth.RoleStudent && claims.Subject != req.StudentID {
			c.JSON(http.StatusForbidden, gin.H{"error": "students can only mark their own attendance"})
			return
		}

		sessionID := c.Param("id")
		decision, err := arbiter.Evaluate(c.Request.Context(), verify.Attempt{
			SessionID:  sessionID,
			StudentID:  req.StudentID,
			Method:     req.Method,
			ImageURL:   req.ImageURL,
			TokenValue: req.TokenValue,
			Status:     req.Status,
			ActorID:    claims.Subject,
			ActorRole:  claims.Role,
			StartedAt:  time.Now().UTC(),
		})
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		case errors.Is(err, verify.ErrVerifierUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "face verifier unavailable"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		result, err := att.Commit(c.Request.Context(), sessionID, req.StudentID, decision,
			attendance.Actor{ID: claims.Subject, Role: claims.Role})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(commitStatus(result), result)
	})

	authGroup.GET("/sessions/:id/attendance", func(c *gin.Context) {
		records, err := att.Roster(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authGroup.GET("/sessions/:id/events", func(c *gin.Context) {
		sessionID := c.Param("id")
		if _, err := registry.Snapshot(sessionID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err := hub.ServeWS(c.Writer, c.Request, events, sessionID, auth.From(c).Subject); err != nil {
			log.Printf("websocket upgrade failed: %v", err)
		}
	})

	authGroup.GET("/sessions/:id/stats", func(c *gin.Context) {
		sessionID := c.Param("id")
		if _, err := registry.Snapshot(sessionID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, engine.Snapshot(sessionID))
	})

	authGroup.POST("/sessions/:id/samples", func(c *gin.Context) {
		var req struct {
			Type          string  `json:"type" binding:"required"`
			StudentID     string  `json:"student_id" binding:"required"`
			IDCardVisible bool    `json:"id_card_visible"`
			PhoneDetected bool    `json:"phone_detected"`
			Confidence    float64 `json:"confidence"`
			ImageURL      string  `json:"image_url"`
			Attention     float64 `json:"attention"`
			Engagement    float64 `json:"engagement"`
			Emotion       string  `json:"emotion"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sessionID := c.Param("id")
		snap, err := registry.Snapshot(sessionID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if snap.State != session.StateActive {
			c.JSON(http.StatusGone, gin.H{"error": "session not active"})
			return
		}

		now := time.Now().UTC()
		switch req.Type {
		case "compliance":
			sample := aggregate.ComplianceSample{
				SessionID:     sessionID,
				StudentID:     req.StudentID,
				IDCardVisible: req.IDCardVisible,
				PhoneDetected: req.PhoneDetected,
				Confidence:    req.Confidence,
				ImageURL:      req.ImageURL,
				At:            now,
			}
			engine.RecordCompliance(sample)
			_ = events.Publish(sessionID, hub.Event{
				Type: hub.EventComplianceUpdate,
				Data: gin.H{
					"student_id":         req.StudentID,
					"overall_compliance": engine.StudentCompliance(sessionID, req.StudentID),
				},
			})
			enqueueSample(ctx, q, queue.TypeComplianceSample, sample)

		case "engagement":
			sample := aggregate.EngagementSample{
				SessionID:  sessionID,
				StudentID:  req.StudentID,
				Attention:  req.Attention,
				Engagement: req.Engagement,
				Emotion:    req.Emotion,
				At:         now,
			}
			engine.RecordEngagement(sample)
			_ = events.Publish(sessionID, hub.Event{
				Type: hub.EventEngagementUpdate,
				Data: gin.H{
					"student_id": req.StudentID,
					"attention":  req.Attention,
					"engagement": req.Engagement,
					"emotion":    req.Emotion,
				},
			})
			enqueueSample(ctx, q, queue.TypeEngagementSample, sample)

		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "type must be compliance or engagement"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
	})

	// Upload endpoint — stores an evidence image and returns its public
	// URL so the caller can reference it in attendance or sample requests.
	authGroup.POST("/upload", func(c *gin.Context) {
		if cdnClient == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
			return
		}

		contentType := c.ContentType()
		var result *evidence.UploadResult
		var err error

		switch {
		case strings.Contains(contentType, "multipart/form-data"):
			file, header, ferr := c.Request.FormFile("file")
			if ferr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
				return
			}
			defer file.Close()
			data, ferr := io.ReadAll(file)
			if ferr != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
				return
			}
			result, err = cdnClient.UploadBytes(data, header.Filename)

		default:
			var body struct {
				Data string `json:"data" binding:"required"`
			}
			if berr := c.ShouldBindJSON(&body); berr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"data\": \"<base64 data URL>\"}"})
				return
			}
			result, err = cdnClient.UploadBase64(body.Data)
		}

		if err != nil {
			log.Printf("evidence upload failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": result.SecureURL, "public_id": result.PublicID, "bytes": result.Bytes})
	})

	authGroup.GET("/audit", facultyOnly, func(c *gin.Context) {
		limit, offset := 50, 0
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				offset = parsed
			}
		}
		entries, err := auditLog.List(c.Request.Context(), limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	// Graceful shutdown
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

// commitStatus maps a commit result to an HTTP status. Low-confidence and
// invalid-token rejections are retriable; closed-session rejections are
// final.
func commitStatus(res attendance.Result) int {
	switch res.Outcome {
	case attendance.OutcomeCreated:
		return http.StatusCreated
	case attendance.OutcomeDuplicateIgnored, attendance.OutcomeOverridden:
		return http.StatusOK
	case attendance.OutcomeRejected:
		switch res.Reason {
		case verify.ReasonLowConfidence:
			return http.StatusUnprocessableEntity
		case verify.ReasonInvalidToken:
			return http.StatusConflict
		case verify.ReasonSessionNotActive:
			return http.StatusGone
		case verify.ReasonNotFaculty:
			return http.StatusForbidden
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusInternalServerError
	}
}

func enqueueSample(ctx context.Context, q queue.Queue, msgType string, sample interface{}) {
	body, err := json.Marshal(sample)
	if err != nil {
		log.Printf("sample marshal failed: %v", err)
		return
	}
	if err := q.Publish(ctx, queue.Message{Type: msgType, Body: body}); err != nil {
		log.Printf("queue publish failed: %v", err)
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
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
