package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"
	"opsdeck/pkg/cache"
	"opsdeck/pkg/errors"
	"opsdeck/pkg/utils"
	"opsdeck/pkg/validation"

	"github.com/gin-gonic/gin"
)

// statusCacheTTL bounds how hard polling dashboards can hit the history
// backend through /status.
const statusCacheTTL = time.Second

// SessionStats is the slice of the registry the REST surface needs.
type SessionStats interface {
	Len() int
	AtCapacity() bool
}

type DashboardHandler struct {
	history  ports.HistoryRepository
	alerts   ports.AlertService
	commands ports.CommandService
	sessions SessionStats
	snapshot *cache.Cache
	started  time.Time
}

func NewDashboardHandler(
	history ports.HistoryRepository,
	alerts ports.AlertService,
	commands ports.CommandService,
	sessions SessionStats,
) *DashboardHandler {
	return &DashboardHandler{
		history:  history,
		alerts:   alerts,
		commands: commands,
		sessions: sessions,
		snapshot: cache.New(statusCacheTTL),
		started:  time.Now(),
	}
}

// SetupRoutes registers the read endpoints on the public group and the
// policy reload on the admin group.
func (h *DashboardHandler) SetupRoutes(public, admin *gin.RouterGroup) {
	public.GET("/status", h.GetStatus)
	public.GET("/metrics/:channel", h.GetLatest)
	public.GET("/history/:channel", h.GetHistory)
	public.GET("/alerts", h.GetAlerts)
	public.GET("/agents", h.channelView(domain.ChannelAgent))
	public.GET("/security", h.channelView(domain.ChannelSecurity))
	admin.POST("/commands/policy", h.ReloadPolicy)
}

// GetStatus returns the latest record per channel plus a coarse health
// verdict derived from the system channel.
func (h *DashboardHandler) GetStatus(c *gin.Context) {
	cached, err := h.snapshot.GetOrSet(c.Request.Context(), "snapshot", func(ctx context.Context) (interface{}, error) {
		return h.history.Snapshot(ctx)
	})
	if err != nil {
		c.Error(err)
		return
	}
	snapshot := cached.(map[domain.Channel]domain.MetricRecord)

	c.JSON(http.StatusOK, gin.H{
		"status":      overallStatus(snapshot),
		"timestamp":   time.Now(),
		"uptime":      utils.FormatDuration(time.Since(h.started)),
		"sessions":    h.sessions.Len(),
		"at_capacity": h.sessions.AtCapacity(),
		"channels":    snapshot,
	})
}

func overallStatus(snapshot map[domain.Channel]domain.MetricRecord) string {
	sys, ok := snapshot[domain.ChannelSystem]
	if !ok {
		return "unknown"
	}
	cpu, _ := sys.NumericField("cpu_percent")
	memory, _ := sys.NumericField("memory_percent")
	diskUsed, _ := sys.NumericField("disk_percent")
	switch {
	case cpu > 90 || diskUsed > 95:
		return "critical"
	case cpu > 70 || memory > 90:
		return "degraded"
	default:
		return "healthy"
	}
}

// channelView is a fixed-channel read used by the initial page load, so the
// frontend does not need to know channel names before the feed is up.
func (h *DashboardHandler) channelView(channel domain.Channel) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok, err := h.history.Latest(c.Request.Context(), channel)
		if err != nil {
			c.Error(err)
			return
		}

		resp := gin.H{"channel": channel, "present": ok}
		if ok {
			resp["record"] = rec
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *DashboardHandler) GetLatest(c *gin.Context) {
	channel, err := domain.ParseChannel(c.Param("channel"))
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	rec, ok, err := h.history.Latest(c.Request.Context(), channel)
	if err != nil {
		c.Error(err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no records on channel"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"record": rec})
}

func (h *DashboardHandler) GetHistory(c *gin.Context) {
	channel, err := domain.ParseChannel(c.Param("channel"))
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	since := time.Time{}
	if raw := c.Query("since_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.Error(errors.NewInvalidInputError("since_ms must be a unix millisecond timestamp"))
			return
		}
		since = time.UnixMilli(ms)
	}

	records, err := h.history.Since(c.Request.Context(), channel, since)
	if err != nil {
		c.Error(err)
		return
	}
	if records == nil {
		records = []domain.MetricRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"channel": channel,
		"records": records,
	})
}

func (h *DashboardHandler) GetAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(errors.NewInvalidInputError("limit must be an integer"))
			return
		}
		if err := validation.ValidateHistoryLimit(n); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		limit = n
	}

	events := h.alerts.Recent(limit)
	if events == nil {
		events = []domain.AlertEvent{}
	}

	c.JSON(http.StatusOK, gin.H{"alerts": events})
}

// policyWire is the JSON shape accepted on reload; permission levels come in
// as their string names.
type policyWire struct {
	RequiredLevel string             `json:"required_level" binding:"required"`
	Params        []domain.ParamSpec `json:"params"`
}

func (h *DashboardHandler) ReloadPolicy(c *gin.Context) {
	var req map[string]policyWire
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if len(req) == 0 {
		c.Error(errors.NewInvalidInputError("policy table must not be empty"))
		return
	}

	table := make(domain.PolicyTable, len(req))
	for name, wire := range req {
		if err := validation.ValidateCommandName(name); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		level, err := domain.ParsePermissionLevel(wire.RequiredLevel)
		if err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
		table[name] = domain.CommandPolicy{
			RequiredLevel: level,
			Params:        wire.Params,
		}
	}

	if err := h.commands.ReloadPolicy(table); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "reloaded",
		"commands": len(table),
	})
}
