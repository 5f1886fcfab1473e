package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal/attendance"
	"github.com/fieldsentry/fieldsentry/internal/broadcast"
	"github.com/fieldsentry/fieldsentry/internal/emergency"
	"github.com/fieldsentry/fieldsentry/internal/identity"
	"github.com/fieldsentry/fieldsentry/internal/ingest"
	"github.com/fieldsentry/fieldsentry/internal/postgresql"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

const identityKey = "identity"

// SetupRestAPI initializes the REST API and the websocket endpoint and starts
// listening.
func SetupRestAPI(
	resolver broadcast.TokenResolver,
	broadcaster *broadcast.Broadcaster,
	coordinator *emergency.Coordinator,
	ingestService *ingest.Service,
	validator *attendance.Validator) {

	router := newRouter(resolver, broadcaster, coordinator, ingestService, validator)

	listenAddr, _ := env.GetAsString("LISTEN_ADDRESS", false, ":80") //nolint:errcheck
	go func() {
		err := router.Run(listenAddr)
		if err != nil {
			zap.S().Fatalf("Failed to start REST API on %s: %s", listenAddr, err)
		}
	}()
}

func newRouter(
	resolver broadcast.TokenResolver,
	broadcaster *broadcast.Broadcaster,
	coordinator *emergency.Coordinator,
	ingestService *ingest.Service,
	validator *attendance.Validator) *gin.Engine {

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// Healthcheck
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	// The websocket handshake resolves its own token, before the upgrade.
	ackFn := func(alertID, userID string) error {
		_, err := coordinator.Acknowledge(alertID, userID)
		return err
	}
	router.GET("/ws", broadcast.Handler(resolver, broadcaster, ackFn))

	api := router.Group("/", requireIdentity(resolver))
	{
		api.POST("/locations", postLocationHandler(ingestService))
		api.GET("/locations/:agentId/latest", latestLocationHandler(ingestService))
		api.POST("/attendance/clock-in", clockInHandler(validator))
		api.POST("/attendance/clock-out", clockOutHandler(validator))
		api.POST("/emergency/raise", raiseEmergencyHandler(coordinator))
		api.POST("/emergency/:alertId/acknowledge", acknowledgeHandler(coordinator))
	}

	return router
}

// requireIdentity resolves the bearer token once, at the request boundary.
// Every handler below depends only on the resolved identity.
func requireIdentity(resolver broadcast.TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": "missing bearer token"})
			return
		}
		id, err := resolver.Resolve(c.Request.Context(), strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			if errors.Is(err, identity.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"reason": "identity resolution failed"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func requestIdentity(c *gin.Context) identity.Identity {
	return c.MustGet(identityKey).(identity.Identity)
}

type locationBody struct {
	AgentID    string   `json:"agentId" binding:"required"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Accuracy   float64  `json:"accuracy"`
	CapturedAt string   `json:"capturedAt" binding:"required"`
	Battery    *float64 `json:"battery"`
	SpeedMps   *float64 `json:"speedMps"`
}

func postLocationHandler(svc *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body locationBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": ingest.ReasonInvalid})
			return
		}
		capturedAt, err := time.Parse(time.RFC3339, body.CapturedAt)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": ingest.ReasonInvalid})
			return
		}

		id := requestIdentity(c)
		// Agents only ever report their own position.
		if id.Role() == datamodel.RoleAgent && id.UserID() != body.AgentID {
			c.JSON(http.StatusForbidden, gin.H{"reason": "agent id mismatch"})
			return
		}

		err = svc.Ingest(c.Request.Context(), id, datamodel.LocationReport{
			AgentID:        body.AgentID,
			Latitude:       body.Latitude,
			Longitude:      body.Longitude,
			AccuracyMeters: body.Accuracy,
			CapturedAt:     capturedAt,
			BatteryPercent: body.Battery,
			SpeedMps:       body.SpeedMps,
		})
		if err != nil {
			var rej *ingest.Rejection
			if errors.As(err, &rej) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": rej.Reason})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal"})
			return
		}
		c.Status(http.StatusCreated)
	}
}

// latestLocationHandler serves the resync path for reconnecting dashboard
// clients, which must re-query state instead of relying on event replay.
func latestLocationHandler(svc *ingest.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestIdentity(c)
		agentID := c.Param("agentId")
		if id.Role() == datamodel.RoleAgent && id.UserID() != agentID {
			c.JSON(http.StatusForbidden, gin.H{"reason": "agent id mismatch"})
			return
		}
		report, err := svc.Latest(c.Request.Context(), agentID)
		if err != nil {
			if errors.Is(err, postgresql.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"reason": "no location on record"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

type clockBody struct {
	AgentID   string  `json:"agentId" binding:"required"`
	SiteID    string  `json:"siteId" binding:"required"`
	ShiftID   string  `json:"shiftId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Method    string  `json:"method"`
}

func clockInHandler(v *attendance.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body clockBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": "malformed body"})
			return
		}
		method := datamodel.ClockMethod(body.Method)
		if method == "" {
			method = datamodel.MethodMobileApp
		}

		id := requestIdentity(c)
		// Only supervisors and admins may clock in with an override method.
		if method.Privileged() && id.Role() == datamodel.RoleAgent {
			c.JSON(http.StatusForbidden, gin.H{"reason": "override not permitted"})
			return
		}

		rec, outcome, err := v.ClockIn(c.Request.Context(),
			body.AgentID, body.SiteID, body.ShiftID,
			datamodel.Point{Latitude: body.Latitude, Longitude: body.Longitude}, method)
		if err != nil {
			var rej *attendance.Rejection
			if errors.As(err, &rej) {
				c.JSON(http.StatusForbidden, gin.H{
					"reason":         rej.Reason,
					"distanceMeters": rej.DistanceMeters,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome, "record": rec})
	}
}

func clockOutHandler(v *attendance.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body clockBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": "malformed body"})
			return
		}
		rec, err := v.ClockOut(c.Request.Context(),
			body.AgentID, body.SiteID,
			datamodel.Point{Latitude: body.Latitude, Longitude: body.Longitude})
		if err != nil {
			var rej *attendance.Rejection
			if errors.As(err, &rej) {
				c.JSON(http.StatusForbidden, gin.H{"reason": rej.Reason})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	}
}

type raiseBody struct {
	SiteID  string `json:"siteId" binding:"required"`
	Context string `json:"context"`
}

// raiseEmergencyHandler is the agent-initiated panic path. It bypasses all
// debouncing.
func raiseEmergencyHandler(coordinator *emergency.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body raiseBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": "malformed body"})
			return
		}
		id := requestIdentity(c)
		alertID := coordinator.Raise(id.UserID(), body.SiteID, body.Context)
		c.JSON(http.StatusCreated, gin.H{"alertId": alertID})
	}
}

func acknowledgeHandler(coordinator *emergency.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := requestIdentity(c)
		if id.Role() == datamodel.RoleAgent {
			c.JSON(http.StatusForbidden, gin.H{"reason": "supervisor or admin required"})
			return
		}
		alert, err := coordinator.Acknowledge(c.Param("alertId"), id.UserID())
		if err != nil {
			if errors.Is(err, emergency.ErrUnknownAlert) {
				c.JSON(http.StatusNotFound, gin.H{"reason": "unknown alert"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"reason": "internal"})
			return
		}
		c.JSON(http.StatusOK, alert)
	}
}
