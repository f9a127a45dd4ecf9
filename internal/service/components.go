// File: internal/service/components.go
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/broadcast"
	"github.com/xkilldash9x/scalpel-replay/internal/store"
)

// Components holds the services a command needs and centralizes their
// lifecycle.
type Components struct {
	Store      store.Repository
	Hub        *broadcast.Hub
	Controller *Controller

	closeStore func()
	logger     *zap.Logger
}

// Shutdown releases everything in reverse order of construction: sessions
// and the browser, then the hub, then the store.
func (c *Components) Shutdown(ctx context.Context) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.Controller != nil {
		if err := c.Controller.Shutdown(ctx); err != nil {
			logger.Warn("Error during controller shutdown.", zap.Error(err))
		}
	}
	if c.Hub != nil {
		c.Hub.Shutdown()
	}
	if c.closeStore != nil {
		c.closeStore()
	}
	logger.Info("All components shut down.")
}
