package registry

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelworks/parley/internal/logger"
)

// Cache holds the model list with an explicit refresh trigger, replacing the
// original's ambient per-page-load global. An optional cron schedule keeps
// it warm in the background.
type Cache struct {
	client *Client

	mu          sync.RWMutex
	models      []string
	refreshedAt time.Time

	sched *cron.Cron
}

func NewCache(client *Client) *Cache {
	return &Cache{client: client}
}

// Refresh re-scans workers and replaces the cached list. Safe for concurrent
// callers; the last writer wins.
func (c *Cache) Refresh(ctx context.Context) error {
	models, err := c.client.ListModels(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.models = models
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	logger.Info("model list refreshed", "models", len(models))
	return nil
}

// Models returns a copy of the cached list.
func (c *Cache) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// RefreshedAt reports when the cache was last filled (zero if never).
func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// StartSchedule refreshes on a cron spec (e.g. "@every 5m") until Stop.
func (c *Cache) StartSchedule(spec string) error {
	sched := cron.New()
	_, err := sched.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := c.Refresh(ctx); err != nil {
			logger.Error("scheduled model refresh failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	sched.Start()
	c.sched = sched
	return nil
}

// Stop halts the background schedule, if one was started.
func (c *Cache) Stop() {
	if c.sched != nil {
		c.sched.Stop()
	}
}
