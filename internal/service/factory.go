// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/internal/broadcast"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

// ComponentFactory builds the component set for commands that drive a browser.
// Commands depend on this interface so tests can substitute fakes.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// BrowserInitializer opens the browser for a factory.
type BrowserInitializer func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (BrowserProvider, error)

type concreteFactory struct {
	initBrowser BrowserInitializer
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{initBrowser: InitializeBrowser}
}

// NewComponentFactoryWithBrowser uses initBrowser in place of launching Chrome.
func NewComponentFactoryWithBrowser(initBrowser BrowserInitializer) ComponentFactory {
	return &concreteFactory{initBrowser: initBrowser}
}

// Create wires store, hub, browser and controller.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	repo, closeStore, err := InitializeStore(ctx, cfg, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize store: %w", err)
		return nil, initializationErr
	}
	components.Store = repo
	components.closeStore = closeStore

	components.Hub = broadcast.NewHub(logger, broadcast.DefaultBufferSize)

	provider, err := f.initBrowser(ctx, cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}

	components.Controller = NewController(cfg, provider, repo, components.Hub, logger)
	logger.Debug("All components initialized successfully.")
	return components, nil
}
