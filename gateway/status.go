package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// statusResponse is the body of GET /internal/status: the persistent
// indicator surface for online state and sync progress.
type statusResponse struct {
	Online     bool   `json:"online"`
	Draining   bool   `json:"draining"`
	QueueDepth int    `json:"queue_depth"`
	Generation string `json:"cache_generation"`
}

type drainResponse struct {
	AlreadyDraining bool          `json:"already_draining"`
	Synced          int           `json:"synced"`
	Retried         int           `json:"retried"`
	Skipped         int           `json:"skipped"`
	Dropped         int           `json:"dropped"`
	Duration        time.Duration `json:"duration_ns"`
}

type queueEntryResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Type      string    `json:"type"`
	Retries   int       `json:"retries"`
	Timestamp time.Time `json:"timestamp"`
}

// registerStatusRoutes mounts the local inspection API. These routes
// are for the storefront shell and operators, not for the upstream.
func registerStatusRoutes(engine *gin.Engine, g *Gateway) {
	internal := engine.Group("/internal")

	internal.GET("/status", func(c *gin.Context) {
		depth, err := g.queue.Depth(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, statusResponse{
			Online:     g.monitor.Online(),
			Draining:   g.syncer.Draining(),
			QueueDepth: depth,
			Generation: g.cache.Generation(),
		})
	})

	internal.POST("/sync", func(c *gin.Context) {
		result, err := g.syncer.Drain(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, drainResponse{
			AlreadyDraining: result.AlreadyDraining,
			Synced:          result.Synced,
			Retried:         result.Retried,
			Skipped:         result.Skipped,
			Dropped:         len(result.Dropped),
			Duration:        result.Duration,
		})
	})

	internal.GET("/queue", func(c *gin.Context) {
		pending, err := g.queue.ListPending(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		entries := make([]queueEntryResponse, 0, len(pending))
		for _, op := range pending {
			entries = append(entries, queueEntryResponse{
				ID:        op.ID,
				URL:       op.URL,
				Method:    op.Method,
				Type:      string(op.Type),
				Retries:   op.Retries,
				Timestamp: op.Timestamp,
			})
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "depth": len(entries)})
	})
}
