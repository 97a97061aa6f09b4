package health

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

type Manager struct {
	ready   atomic.Bool
	started time.Time
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{started: time.Now()}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// Uptime is reported on readiness so restart loops are visible from probes
// alone.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		uptime := m.Uptime().Round(time.Second).String()
		if m.IsReady() {
			c.JSON(http.StatusOK, gin.H{"status": "ready", "uptime": uptime})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "uptime": uptime})
	}
}
