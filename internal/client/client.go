package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/display"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/provider"
	"github.com/TheMichaelB/locsync/internal/services/history"
	"github.com/TheMichaelB/locsync/internal/services/sync"
	"github.com/TheMichaelB/locsync/internal/services/tracking"
	"github.com/TheMichaelB/locsync/internal/state"
	"github.com/TheMichaelB/locsync/internal/transport"
)

// Client wires the location pipeline together.
type Client struct {
	Bus       *bus.Bus
	Store     state.Store
	Collector transport.Collector
	Simulator *provider.Simulator
	Adapter   *provider.Adapter
	Tracking  *tracking.Controller
	Queue     *sync.Queue
	History   *history.Cache
	Display   *display.Server

	config *config.Config
	logger *events.Logger
}

// Option customizes New.
type Option func(*options)

type options struct {
	store     state.Store
	collector transport.Collector
	display   *bool
}

// WithStore replaces the configured sample store.
func WithStore(s state.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCollector replaces the HTTP collector client.
func WithCollector(c transport.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithDisplay overrides display.enabled.
func WithDisplay(enabled bool) Option {
	return func(o *options) { o.display = &enabled }
}

// New creates a client from cfg. Nothing runs until Run.
func New(cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{config: cfg, logger: logger.WithField("component", "client")}
	c.Bus = bus.New(logger)

	store := o.store
	if store == nil {
		var err error
		store, err = openStore(&cfg.Storage, logger)
		if err != nil {
			c.Bus.Close()
			return nil, err
		}
	}
	c.Store = store

	collector := o.collector
	if collector == nil {
		httpClient, err := transport.NewHTTPClient(&cfg.API, logger, transport.WithBatchBodies(cfg.Sync.BatchSync))
		if err != nil {
			c.closeBase()
			return nil, fmt.Errorf("create collector client: %w", err)
		}
		collector = httpClient
	}
	c.Collector = collector

	queue, err := sync.New(store, collector, c.Bus, sync.ConfigFrom(&cfg.Sync), logger)
	if err != nil {
		c.closeBase()
		return nil, err
	}
	c.Queue = queue

	c.History = history.New(collector, c.Bus, history.ConfigFrom(&cfg.History), logger)

	c.Simulator = provider.NewSimulator(cfg.Provider.Simulator)
	c.Adapter = provider.NewAdapter(c.Simulator, c.Bus, cfg.Tracking.Owner, logger)
	if err := c.Adapter.Configure(provider.OptionsFromConfig(&cfg.Provider)); err != nil {
		c.Queue.Close()
		c.closeBase()
		return nil, err
	}

	c.Tracking = tracking.New(c.Adapter, c.Bus, tracking.ConfigFrom(&cfg.Tracking), logger)

	displayEnabled := cfg.Display.Enabled
	if o.display != nil {
		displayEnabled = *o.display
	}
	if displayEnabled {
		c.Display = display.New(&cfg.Display, c.Tracking, c.Queue, c.History, c.Bus, logger)
	}

	return c, nil
}

func openStore(cfg *config.StorageConfig, logger *events.Logger) (state.Store, error) {
	switch cfg.Driver {
	case "memory":
		return state.NewMemoryStore(), nil
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseFile), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		return state.NewSQLiteStore(cfg.DatabaseFile, logger)
	case "file":
		return state.NewFileStore(cfg.SamplesFile, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Run supervises the queue worker and the display server until ctx is
// cancelled. Tracking is enabled first when tracking.enable_on_start is set.
func (c *Client) Run(ctx context.Context) error {
	sup := suture.New("locsync", suture.Spec{
		EventHook: c.eventHook(),
		Timeout:   10 * time.Second,
	})

	sup.Add(c.Queue)
	if c.Display != nil {
		sup.Add(c.Display)
	}

	if c.config.Tracking.EnableOnStart {
		c.Tracking.Enable()
	}

	if c.config.History.RefreshOnStart && c.config.API.ReadURL != "" {
		go func() {
			if _, err := c.History.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.WithError(err).Warn("Initial history refresh failed")
			}
		}()
	}

	c.logger.Info("Client running")
	err := sup.Serve(ctx)

	// Leave the provider stopped; in-flight uploads have finished with the
	// worker.
	c.Tracking.Disable()

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) eventHook() suture.EventHook {
	log := c.logger.WithField("component", "supervisor")
	return func(e suture.Event) {
		fields := e.Map()
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			log.WithFields(fields).Error(e.String())
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			log.WithFields(fields).Warn(e.String())
		default:
			log.WithFields(fields).Info(e.String())
		}
	}
}

// Close releases every component. Call after Run returns.
func (c *Client) Close() error {
	if c.Display != nil {
		c.Display.Close()
	}
	c.Tracking.Close()
	c.Queue.Close()

	if c.Simulator.Running() {
		_ = c.Simulator.Stop()
	}
	c.Simulator.Wait()
	return c.closeBase()
}

func (c *Client) closeBase() error {
	c.Bus.Close()
	if c.Store != nil {
		return c.Store.Close()
	}
	return nil
}
