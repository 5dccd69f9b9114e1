// Package provider bridges a Location Provider onto the event bus.
//
// A Provider reports raw readings, errors and run state through a Listener.
// The Adapter normalizes those reports into samples and bus events. Provider
// failures never surface as return values from Start or Stop.
package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/models"
)

// Location is a raw reading as reported by a provider.
type Location struct {
	// ID is optional. The Adapter assigns one when empty.
	ID        string
	Latitude  float64
	Longitude float64
	// Timestamp is optional. The Adapter defaults it to now.
	Timestamp time.Time

	Accuracy float64
	Altitude float64
	Speed    float64
	Heading  float64
	IsMoving bool
	Extras   map[string]string
}

// Listener receives provider callbacks. Calls may arrive on any goroutine.
type Listener interface {
	OnLocation(loc Location)
	OnError(err *models.ProviderError)
	OnLifecycle(l models.Lifecycle)
}

// Provider is a source of positions.
//
// Start while already started must report started again; Stop while stopped
// must report stopped again. Failures to begin or continue tracking are
// reported through OnError, or returned from Start when they occur
// synchronously.
type Provider interface {
	Configure(opts Options) error
	Start() error
	Stop() error
	SetListener(l Listener)
}

// Options is the recognized provider configuration.
type Options struct {
	DesiredAccuracy               string        `json:"desired_accuracy" validate:"required,oneof=high medium low passive"`
	DistanceFilter                float64       `json:"distance_filter" validate:"gte=0"`
	LocationUpdateInterval        time.Duration `json:"location_update_interval" validate:"gte=0s"`
	FastestLocationUpdateInterval time.Duration `json:"fastest_location_update_interval" validate:"gte=0s,ltefield=LocationUpdateInterval"`
	StopTimeout                   time.Duration `json:"stop_timeout" validate:"gte=0s"`
	StopOnTerminate               bool          `json:"stop_on_terminate"`
	StartOnBoot                   bool          `json:"start_on_boot"`
	ForegroundService             bool          `json:"foreground_service"`
	ShowsBackgroundIndicator      bool          `json:"shows_background_indicator"`
	NotificationText              string        `json:"notification_text" validate:"max=256"`
	DisableElasticity             bool          `json:"disable_elasticity"`
}

// OptionsFromConfig maps the provider config section to Options.
func OptionsFromConfig(cfg *config.ProviderConfig) Options {
	return Options{
		DesiredAccuracy:               strings.ToLower(cfg.DesiredAccuracy),
		DistanceFilter:                cfg.DistanceFilter,
		LocationUpdateInterval:        cfg.LocationUpdateInterval,
		FastestLocationUpdateInterval: cfg.FastestLocationUpdateInterval,
		StopTimeout:                   cfg.StopTimeout,
		StopOnTerminate:               cfg.StopOnTerminate,
		StartOnBoot:                   cfg.StartOnBoot,
		ForegroundService:             cfg.ForegroundService,
		ShowsBackgroundIndicator:      cfg.ShowsBackgroundIndicator,
		NotificationText:              cfg.NotificationText,
		DisableElasticity:             cfg.DisableElasticity,
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks every option. The error wraps models.ErrInvalidConfig.
func (o Options) Validate() error {
	err := getValidator().Struct(o)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			messages = append(messages, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}

	return fmt.Errorf("%w: %s", models.ErrInvalidConfig, strings.Join(messages, "; "))
}
