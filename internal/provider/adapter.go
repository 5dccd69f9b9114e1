package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
)

// Adapter turns provider callbacks into bus events.
type Adapter struct {
	provider Provider
	bus      *bus.Bus
	owner    string
	logger   *events.Logger

	// Now is the clock used for readings without a timestamp.
	Now func() time.Time
}

// NewAdapter installs itself as the provider's listener.
func NewAdapter(p Provider, b *bus.Bus, owner string, logger *events.Logger) *Adapter {
	a := &Adapter{
		provider: p,
		bus:      b,
		owner:    owner,
		logger:   logger.WithField("component", "provider_adapter"),
		Now:      time.Now,
	}
	p.SetListener(&adapterListener{a: a})
	return a
}

// Configure validates and applies opts. Invalid options are returned and
// also reported as a config provider error.
func (a *Adapter) Configure(opts Options) error {
	if err := opts.Validate(); err != nil {
		a.reportError(&models.ProviderError{Kind: models.ProviderConfig, Message: err.Error()})
		return err
	}

	if err := a.provider.Configure(opts); err != nil {
		perr := asProviderError(err, models.ProviderConfig)
		a.reportError(perr)
		return fmt.Errorf("%w: %s", models.ErrInvalidConfig, perr.Message)
	}

	a.logger.WithFields(map[string]interface{}{
		"accuracy":        opts.DesiredAccuracy,
		"distance_filter": opts.DistanceFilter,
		"interval":        opts.LocationUpdateInterval.String(),
	}).Debug("Provider configured")

	return nil
}

// Start asks the provider to begin tracking. The outcome is reported as a
// lifecycle event. A start the provider rejects is reported as a
// provider_error followed by lifecycle stopped.
func (a *Adapter) Start() {
	if err := a.provider.Start(); err != nil {
		a.reportError(asProviderError(err, models.ProviderInternal))
		a.publishLifecycle(models.LifecycleStopped)
	}
}

// Stop asks the provider to stop tracking. A rejected stop is reported as a
// provider_error and the provider is treated as stopped.
func (a *Adapter) Stop() {
	if err := a.provider.Stop(); err != nil {
		a.reportError(asProviderError(err, models.ProviderInternal))
		a.publishLifecycle(models.LifecycleStopped)
	}
}

func (a *Adapter) publishLifecycle(lc models.Lifecycle) {
	a.logger.WithField("lifecycle", string(lc)).Info("Provider lifecycle")
	a.bus.Publish(bus.Event{Kind: bus.KindLifecycle, Lifecycle: lc})
}

func (a *Adapter) reportError(perr *models.ProviderError) {
	a.logger.WithFields(map[string]interface{}{
		"kind":  string(perr.Kind),
		"error": perr.Message,
	}).Warn("Provider error")

	a.bus.Publish(bus.Event{Kind: bus.KindProviderError, Err: perr})
}

func (a *Adapter) normalize(loc Location) models.Sample {
	id := loc.ID
	if id == "" {
		if v7, err := uuid.NewV7(); err == nil {
			id = v7.String()
		} else {
			id = uuid.NewString()
		}
	}

	capturedAt := loc.Timestamp
	if capturedAt.IsZero() {
		capturedAt = a.Now()
	}

	var extras map[string]string
	if len(loc.Extras) > 0 {
		extras = make(map[string]string, len(loc.Extras))
		for k, v := range loc.Extras {
			extras[k] = v
		}
	}

	return models.Sample{
		ID:         id,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		CapturedAt: capturedAt,
		Owner:      a.owner,
		Accuracy:   loc.Accuracy,
		Altitude:   loc.Altitude,
		Speed:      loc.Speed,
		Heading:    loc.Heading,
		IsMoving:   loc.IsMoving,
		Extras:     extras,
		State:      models.StatePending,
	}
}

type adapterListener struct {
	a *Adapter
}

func (l *adapterListener) OnLocation(loc Location) {
	sample := l.a.normalize(loc)
	if err := sample.Validate(); err != nil {
		l.a.reportError(&models.ProviderError{Kind: models.ProviderInternal, Message: err.Error()})
		return
	}

	l.a.logger.WithFields(map[string]interface{}{
		"sample_id": sample.ID,
		"lat":       sample.Latitude,
		"lon":       sample.Longitude,
	}).Debug("Location received")

	l.a.bus.Publish(bus.Event{Kind: bus.KindSample, Sample: &sample})
}

func (l *adapterListener) OnError(err *models.ProviderError) {
	if err == nil {
		return
	}
	l.a.reportError(err)
}

func (l *adapterListener) OnLifecycle(lc models.Lifecycle) {
	l.a.publishLifecycle(lc)
}

func asProviderError(err error, fallback models.ProviderErrorKind) *models.ProviderError {
	var perr *models.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	return &models.ProviderError{Kind: fallback, Message: err.Error()}
}
