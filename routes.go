package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/booking_backend/appctx"
	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/mmdatafocus/booking_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	signatureHeader = "X-Webhook-Signature"
	opsTokenHeader  = "X-Ops-Token"
	maxWebhookBody  = 1 << 20
	retryAfterSecs  = "5"
)

// app holds what the handlers need. services stays nil until the database is ready.
type app struct {
	settings config.Settings
	logger   *logrus.Logger
	services atomic.Pointer[workflow.Services]
}

func (a *app) ready() (*workflow.Services, bool) {
	svc := a.services.Load()
	return svc, svc != nil
}

func newRouter(a *app, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	// Correlation IDs: take the caller's or mint one, and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		// Gate everything else on dependency readiness.
		if _, ok := a.ready(); !ok {
			c.Header("Retry-After", retryAfterSecs)
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(workflow.MetricsRegistry, promhttp.HandlerOpts{})))

	r.Use(cors.New(corsConfig(a.settings.CORSAllowedOrigins)))
	if limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(a.logger))
	r.Use(gin.Recovery())

	r.POST("/webhooks/:provider", a.webhookHandler())

	ops := r.Group("/internal/ops", a.opsAuth())
	ops.GET("/retry-jobs", a.listRetryJobsHandler())
	ops.POST("/retry-jobs/:id/requeue", a.requeueRetryJobHandler())
	ops.POST("/events/:tenant/:event/resolve", a.resolveEventHandler())
	ops.PUT("/resources/:tenant/:resource", a.upsertResourceHandler())
	ops.GET("/resources/:tenant/:resource/slots/:slot", a.availabilityHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func corsConfig(allowedOrigins []string) cors.Config {
	corsConfig := cors.DefaultConfig()
	// Webhooks are server-to-server; browsers only reach the ops endpoints.
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", opsTokenHeader, signatureHeader, "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	return corsConfig
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// webhookHandler maps Ingest outcomes onto the provider contract: 200 for anything
// handled, 4xx for events that must not be redelivered, 503 for redeliver later.
func (a *app) webhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _ := a.ready()
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
			return
		}
		if len(body) > maxWebhookBody {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}

		cid, _ := appctx.GetCorrelationId(c.Request.Context())
		ack, err := svc.Gateway.Ingest(c.Request.Context(), workflow.RawEvent{
			Provider:      c.Param("provider"),
			Signature:     c.GetHeader(signatureHeader),
			Body:          body,
			CorrelationId: cid,
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, ack)
		case workflow.IsUnverified(err):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		case workflow.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.Header("Retry-After", retryAfterSecs)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
		}
	}
}

// opsAuth guards operator endpoints with a static token. No token configured means
// the endpoints are disabled.
func (a *app) opsAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := a.settings.OpsToken
		got := c.GetHeader(opsTokenHeader)
		if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(appctx.WithoutTenantScope(c.Request.Context()))
		c.Next()
	}
}

func (a *app) listRetryJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _ := a.ready()
		status := models.RetryJobStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
		switch status {
		case "", models.RetryJobStatusPending, models.RetryJobStatusProcessing,
			models.RetryJobStatusCompleted, models.RetryJobStatusDeadLettered:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", status)})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		tenantId := strings.TrimSpace(c.Query("tenant"))
		jobs, err := svc.Queue.List(c.Request.Context(), tenantId, status, limit)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list retry jobs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

func (a *app) requeueRetryJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _ := a.ready()
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		job, err := svc.Queue.Requeue(c.Request.Context(), id)
		switch {
		case err == nil:
			a.logger.WithFields(logrus.Fields{
				"field":     "ops",
				"job_id":    job.ID,
				"tenant_id": job.TenantId,
			}).Info("retry job requeued by operator")
			c.JSON(http.StatusOK, job)
		case errors.Is(err, workflow.ErrRetryJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case workflow.IsValidation(err):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not requeue retry job"})
		}
	}
}

type resolveEventRequest struct {
	Action workflow.ResolveAction `json:"action" binding:"required"`
	Note   string                 `json:"note"`
}

func (a *app) resolveEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _ := a.ready()
		var req resolveEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		rec, err := svc.Gateway.Resolve(c.Request.Context(), c.Param("tenant"), c.Param("event"), req.Action, req.Note)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, rec)
		case errors.Is(err, workflow.ErrEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case workflow.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not resolve event"})
		}
	}
}

type upsertResourceRequest struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity" binding:"required,gt=0"`
}

func (a *app) upsertResourceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _ := a.ready()
		var req upsertResourceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		res, err := svc.Executor.UpsertResource(c.Request.Context(), models.Resource{
			TenantId:   c.Param("tenant"),
			ResourceId: c.Param("resource"),
			Name:       req.Name,
			Capacity:   req.Capacity,
		})
		switch {
		case err == nil:
			c.JSON(http.StatusOK, res)
		case workflow.IsValidation(err):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save resource"})
		}
	}
}

func (a *app) availabilityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		svc, _ := a.ready()
		av, err := svc.Executor.Availability(c.Request.Context(), c.Param("tenant"), c.Param("resource"), c.Param("slot"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{
				"tenant_id":   av.TenantId,
				"resource_id": av.ResourceId,
				"slot_key":    av.SlotKey,
				"capacity":    av.Capacity,
				"confirmed":   av.Confirmed,
				"remaining":   av.Remaining(),
			})
		case errors.Is(err, workflow.ErrResourceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read availability"})
		}
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 && logger != nil {
			cid, _ := appctx.GetCorrelationId(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// RateLimiter is a fixed-window limiter per client IP backed by Redis.
// The client may arrive after the server starts listening.
type RateLimiter struct {
	client atomic.Pointer[redis.Client]
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limit:  limit,
		window: window,
	}
	rl.SetClient(client)
	return rl
}

func (rl *RateLimiter) SetClient(client *redis.Client) {
	if client != nil {
		rl.client.Store(client)
	}
}

// RateLimitMiddleware fails open: a Redis outage must not turn into dropped webhooks.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	var client *redis.Client
	if rl != nil {
		client = rl.client.Load()
	}
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()
	ctx := c.Request.Context()

	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := client.Expire(ctx, key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}

	if count > rl.limit {
		c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}
