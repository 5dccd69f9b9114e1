// Package tracking owns the tracking state machine.
//
// The controller drives the provider adapter and reacts to its lifecycle,
// error and sample events. Calls that arrive while a transition is in
// flight only record the requested target; the latest target is applied
// once the provider confirms the pending transition.
package tracking

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/metrics"
	"github.com/TheMichaelB/locsync/internal/models"
	"github.com/TheMichaelB/locsync/internal/retry"
)

var allStates = []string{
	string(models.TrackingStopped),
	string(models.TrackingStarting),
	string(models.TrackingActive),
	string(models.TrackingStopping),
	string(models.TrackingDegraded),
}

// Starter is the provider side the controller drives.
type Starter interface {
	Start()
	Stop()
}

// Config tunes degradation and recovery.
type Config struct {
	DegradedThreshold int
	AutoRecover       bool
	Recover           retry.Backoff
}

// ConfigFrom maps the tracking config section.
func ConfigFrom(cfg *config.TrackingConfig) Config {
	return Config{
		DegradedThreshold: cfg.DegradedThreshold,
		AutoRecover:       cfg.AutoRecover,
		Recover: retry.Backoff{
			Base:   cfg.RecoverBaseDelay,
			Max:    cfg.RecoverMaxDelay,
			Jitter: 0.1,
		},
	}
}

// Controller is the tracking state machine.
type Controller struct {
	starter Starter
	bus     *bus.Bus
	cfg     Config
	logger  *events.Logger
	now     func() time.Time

	mu             sync.Mutex
	state          models.TrackingState
	target         models.TrackingState
	errors         int
	recoverAttempt int
	lastErr        string
	timer          *time.Timer
	closed         bool
	subs           bus.Subscriptions

	session atomic.Pointer[models.TrackingSession]
}

// New creates a stopped controller subscribed to provider events.
func New(starter Starter, b *bus.Bus, cfg Config, logger *events.Logger) *Controller {
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 1
	}

	c := &Controller{
		starter: starter,
		bus:     b,
		cfg:     cfg,
		logger:  logger.WithField("component", "tracking_controller"),
		now:     time.Now,
		state:   models.TrackingStopped,
		target:  models.TrackingStopped,
	}
	c.session.Store(&models.TrackingSession{State: models.TrackingStopped, Since: c.now()})
	metrics.SetTrackingState(string(models.TrackingStopped), allStates...)

	c.subs = bus.Subscriptions{
		b.Subscribe(bus.KindLifecycle, c.onLifecycle),
		b.Subscribe(bus.KindProviderError, c.onProviderError),
		b.Subscribe(bus.KindSample, c.onSample),
	}

	return c
}

// CurrentState returns the latest session snapshot without blocking.
func (c *Controller) CurrentState() models.TrackingSession {
	return *c.session.Load()
}

// Target returns the most recently requested target state.
func (c *Controller) Target() models.TrackingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Enable requests tracking. It acts immediately from stopped or degraded.
func (c *Controller) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.target = models.TrackingActive
	switch c.state {
	case models.TrackingStopped, models.TrackingDegraded:
		c.cancelRecoverLocked()
		c.transitionLocked(models.TrackingStarting)
		c.starter.Start()
	default:
		c.logger.WithField("state", string(c.state)).Debug("Enable recorded as target")
	}
}

// Disable requests tracking off. It acts immediately from active or
// degraded. In-flight uploads are not affected.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.target = models.TrackingStopped
	switch c.state {
	case models.TrackingActive, models.TrackingDegraded:
		c.cancelRecoverLocked()
		c.transitionLocked(models.TrackingStopping)
		c.starter.Stop()
	default:
		c.logger.WithField("state", string(c.state)).Debug("Disable recorded as target")
	}
}

// Resume retries immediately from degraded.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != models.TrackingDegraded {
		return
	}

	c.cancelRecoverLocked()
	c.transitionLocked(models.TrackingStarting)
	c.starter.Start()
}

// Close stops recovery and unsubscribes. The provider is left as is.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelRecoverLocked()
	c.mu.Unlock()

	c.subs.Cancel()
}

func (c *Controller) onLifecycle(e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch e.Lifecycle {
	case models.LifecycleStarted:
		c.onStartedLocked()
	case models.LifecycleStopped:
		c.onStoppedLocked()
	}
}

func (c *Controller) onStartedLocked() {
	c.errors = 0

	switch c.state {
	case models.TrackingStarting, models.TrackingDegraded:
		c.recoverAttempt = 0
		c.lastErr = ""
		c.cancelRecoverLocked()
		c.transitionLocked(models.TrackingActive)
		if c.target == models.TrackingStopped {
			c.transitionLocked(models.TrackingStopping)
			c.starter.Stop()
		}
	case models.TrackingStopped:
		// Provider resumed on its own, e.g. after boot.
		c.target = models.TrackingActive
		c.transitionLocked(models.TrackingActive)
	}
}

func (c *Controller) onStoppedLocked() {
	switch c.state {
	case models.TrackingStopping:
		c.transitionLocked(models.TrackingStopped)
		if c.target == models.TrackingActive {
			c.transitionLocked(models.TrackingStarting)
			c.starter.Start()
		}
	case models.TrackingActive, models.TrackingStarting:
		if c.target == models.TrackingActive {
			// Keep the error that made a start fail.
			if c.state == models.TrackingActive || c.errors == 0 {
				c.lastErr = "provider stopped unexpectedly"
			}
			c.degradeLocked()
			return
		}
		c.transitionLocked(models.TrackingStopped)
	}
}

func (c *Controller) onProviderError(e bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.errors++
	if e.Err != nil {
		c.lastErr = e.Err.Error()
	}

	c.logger.WithFields(map[string]interface{}{
		"consecutive": c.errors,
		"state":       string(c.state),
	}).WithError(e.Err).Warn("Provider error")

	if c.errors >= c.cfg.DegradedThreshold &&
		(c.state == models.TrackingActive || c.state == models.TrackingStarting) {
		c.degradeLocked()
	}
}

func (c *Controller) onSample(bus.Event) {
	c.mu.Lock()
	c.errors = 0
	c.mu.Unlock()
}

func (c *Controller) degradeLocked() {
	c.transitionLocked(models.TrackingDegraded)

	if !c.cfg.AutoRecover {
		return
	}

	c.recoverAttempt++
	delay := c.cfg.Recover.Delay(c.recoverAttempt)
	c.cancelRecoverLocked()
	attempt := c.recoverAttempt
	c.timer = time.AfterFunc(delay, func() { c.recoverAfter(attempt) })

	c.logger.WithFields(map[string]interface{}{
		"attempt": c.recoverAttempt,
		"delay":   delay.String(),
	}).Info("Scheduled tracking recovery")
}

func (c *Controller) recoverAfter(attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer == nil || attempt != c.recoverAttempt {
		return
	}
	if c.state != models.TrackingDegraded || c.target != models.TrackingActive {
		return
	}

	c.timer = nil
	c.transitionLocked(models.TrackingStarting)
	c.starter.Start()
}

func (c *Controller) cancelRecoverLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) transitionLocked(next models.TrackingState) {
	prev := c.state
	c.state = next

	session := &models.TrackingSession{State: next, Since: c.now()}
	if next == models.TrackingDegraded {
		session.LastError = c.lastErr
	}
	c.session.Store(session)

	metrics.SetTrackingState(string(next), allStates...)

	c.logger.WithFields(map[string]interface{}{
		"from":   string(prev),
		"to":     string(next),
		"target": string(c.target),
	}).Info("Tracking state changed")

	snapshot := *session
	c.bus.Publish(bus.Event{Kind: bus.KindTrackingState, Session: &snapshot})
}
