// Package handler exposes session issuance and scan verification over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/classroom"
	"qrattend/internal/geo"
	"qrattend/internal/scan"
	"qrattend/internal/session"
)

// ClassStore reads and writes class definitions.
type ClassStore interface {
	classroom.Directory
	classroom.Writer
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

type Handler struct {
	classes  ClassStore
	issuer   *session.Issuer
	pipeline *scan.Pipeline
	records  attendance.Store
	loc      *time.Location
	log      *slog.Logger
	checks   map[string]HealthCheck

	now func() time.Time
}

func New(classes ClassStore, issuer *session.Issuer, pipeline *scan.Pipeline, records attendance.Store, loc *time.Location, log *slog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		classes:  classes,
		issuer:   issuer,
		pipeline: pipeline,
		records:  records,
		loc:      loc,
		log:      log,
		checks:   map[string]HealthCheck{},
		now:      time.Now,
	}
}

// AddHealthCheck includes a dependency in /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// Register mounts the API. admin and student guard the role restricted
// routes.
func (h *Handler) Register(r gin.IRouter, admin, student gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")
	v1.POST("/sessions", admin, h.CreateSession)
	v1.PUT("/classes/:id", admin, h.SaveClass)
	v1.GET("/classes/:id/attendance", admin, h.ListAttendance)
	v1.POST("/scans", student, h.SubmitScan)
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// ---------- Sessions ----------

type createSessionRequest struct {
	ClassID  string           `json:"classId" binding:"required"`
	Location *geo.Coordinates `json:"location" binding:"required"`
}

// CreateSession issues a fresh QR session for a class.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	class, err := h.classes.GetClass(ctx, req.ClassID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	issued, err := h.issuer.Issue(ctx, session.IssueRequest{
		ClassID:  req.ClassID,
		Location: *req.Location,
		Class:    class,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"qrCode":    session.DataURL(issued.Image),
		"sessionId": issued.SessionID,
		"payload":   issued.Payload,
		"expiresAt": issued.ExpiresAt.Format(time.RFC3339),
	})
}

// ---------- Scans ----------

type scanRequest struct {
	Payload  string           `json:"payload" binding:"required"`
	Location *geo.Coordinates `json:"location"`
}

// SubmitScan verifies a scanned payload for the authenticated student and
// records attendance.
func (h *Handler) SubmitScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}

	if req.Location == nil {
		h.writeError(c, apperr.New(apperr.LocationUnavailable, "device location is required to verify attendance"))
		return
	}
	out, err := h.pipeline.Process(c.Request.Context(), scan.Identity{StudentID: claims.Subject, Name: claims.Name}, req.Payload, *req.Location)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if out.State != scan.StateSuccess {
		h.writeError(c, out.Failure)
		return
	}
	c.JSON(http.StatusCreated, out.Record)
}

// ---------- Classes ----------

type classRequest struct {
	Name         string           `json:"name"`
	Location     *geo.Coordinates `json:"location"`
	RadiusMeters float64          `json:"radius"`
}

// SaveClass creates or replaces a class definition.
func (h *Handler) SaveClass(c *gin.Context) {
	var req classRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	class := classroom.Class{
		ID:           c.Param("id"),
		Name:         req.Name,
		Location:     req.Location,
		RadiusMeters: req.RadiusMeters,
	}
	if err := class.Validate(); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.classes.SaveClass(c.Request.Context(), class); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, class)
}

// ListAttendance returns a class's records for one calendar day in the
// institution timezone, today when no date is given.
func (h *Handler) ListAttendance(c *gin.Context) {
	classID := c.Param("id")
	day := c.Query("date")
	if day == "" {
		day = attendance.DayOf(h.now(), h.loc)
	} else if _, err := time.ParseInLocation(attendance.DayLayout, day, h.loc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	ctx := c.Request.Context()

	if _, err := h.classes.GetClass(ctx, classID); err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.records.ListByClassDay(ctx, classID, day)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"classId": classID, "date": day, "records": records})
}

// writeError renders a Failure with its reason, or a store fault as 503.
func (h *Handler) writeError(c *gin.Context, err error) {
	f, ok := apperr.As(err)
	if !ok {
		if !errors.Is(err, apperr.ErrStoreUnavailable) {
			h.log.ErrorContext(c.Request.Context(), "unexpected handler error", "path", c.FullPath(), "error", err)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "attendance service temporarily unavailable, please retry",
			"reason": apperr.StoreUnavailable,
		})
		return
	}
	body := gin.H{"error": f.Message, "reason": f.Reason}
	if f.Cause != "" {
		body["cause"] = f.Cause
	}
	if f.ExistingAt != nil {
		body["existingAt"] = f.ExistingAt.Format(time.RFC3339)
	}
	c.JSON(apperr.HTTPStatus(f.Reason), body)
}
