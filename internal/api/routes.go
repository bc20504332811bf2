package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/tidelink/internal/agent"
	"github.com/zulandar/tidelink/internal/message"
	"github.com/zulandar/tidelink/internal/queue"
)

// maxBody bounds a submitted request body.
const maxBody = 4 << 20

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	a := opts.Agent

	router.GET("/healthz", handleHealth(a))
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	v1.POST("/messages", handleSubmit(a))
	v1.GET("/messages", handleList(a, opts.History))
	v1.GET("/messages/:id", handleStatus(a))
	v1.DELETE("/messages/:id", handleCancel(a))
	v1.GET("/transports", handleTransports(a))
	v1.GET("/queue", handleQueue(a))
	v1.GET("/events", handleEvents(a))
}

type submitRequest struct {
	// Payload is base64 in JSON.
	Payload  []byte `json:"payload"`
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

type messageSummary struct {
	ID                string         `json:"id"`
	Status            message.Status `json:"status"`
	Priority          string         `json:"priority"`
	Attempts          int            `json:"attempts"`
	AssignedTransport string         `json:"assigned_transport,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	Size              int            `json:"size"`
	CreatedAt         time.Time      `json:"created_at"`
}

func summarize(m *message.Message) messageSummary {
	return messageSummary{
		ID:                m.ID,
		Status:            m.Status,
		Priority:          m.Priority.String(),
		Attempts:          m.Attempts,
		AssignedTransport: m.AssignedTransport,
		LastError:         m.LastError,
		Size:              len(m.Payload),
		CreatedAt:         m.CreatedAt,
	}
}

// handleSubmit accepts either a JSON submitRequest or a raw body with the
// priority in the query string.
func handleSubmit(a *agent.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)

		var (
			payload  []byte
			priority = c.Query("priority")
		)
		if strings.HasPrefix(c.ContentType(), "application/json") {
			var req submitRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
				return
			}
			payload = req.Payload
			if len(payload) == 0 {
				payload = []byte(req.Text)
			}
			if req.Priority != "" {
				priority = req.Priority
			}
		} else {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
				return
			}
			payload = body
		}
		if len(payload) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload is required"})
			return
		}
		p, err := message.ParsePriority(priority)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		id, err := a.Submit(payload, p)
		var (
			cerr *queue.CapacityError
			serr *agent.PayloadSizeError
		)
		switch {
		case errors.As(err, &serr):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": serr.Error(), "limit": serr.Limit})
			return
		case errors.As(err, &cerr):
			c.JSON(http.StatusInsufficientStorage, gin.H{
				"error":    cerr.Error(),
				"capacity": cerr.Capacity,
			})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "priority": p.String()})
	}
}

func handleStatus(a *agent.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := a.Status(c.Param("id"))
		if err != nil {
			notFoundOr500(c, err)
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

func handleCancel(a *agent.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ok, err := a.Cancel(id)
		if err != nil {
			notFoundOr500(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": ok})
	}
}

func handleList(a *agent.Agent, history Lister) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := message.Status(strings.ToUpper(c.Query("status")))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

		var msgs []*message.Message
		if history != nil {
			var err error
			msgs, err = history.List(queue.ListFilter{Status: status, Limit: limit})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			for _, m := range a.Queue().List() {
				if status == "" || m.Status == status {
					msgs = append(msgs, m)
				}
			}
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[:limit]
			}
		}

		out := make([]messageSummary, len(msgs))
		for i, m := range msgs {
			out[i] = summarize(m)
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	}
}

func handleTransports(a *agent.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"transports": a.Registry().Snapshots()})
	}
}

func handleQueue(a *agent.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, a.Queue().Stats())
	}
}

func handleHealth(a *agent.Agent) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"usable": len(a.Registry().Usable()),
			"queued": a.Queue().Size(),
		})
	}
}

func notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
