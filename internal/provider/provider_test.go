package provider_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/locsync/internal/bus"
	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/events"
	"github.com/TheMichaelB/locsync/internal/models"
	"github.com/TheMichaelB/locsync/internal/provider"
)

type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func collect(b *bus.Bus) *collector {
	c := &collector{}
	b.SubscribeAll([]bus.Kind{bus.KindSample, bus.KindProviderError, bus.KindLifecycle}, func(e bus.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	})
	return c
}

func (c *collector) kinds() []bus.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func (c *collector) of(kind bus.Kind) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func setup(t *testing.T) (*bus.Bus, *provider.Simulator, *provider.Adapter, *collector) {
	t.Helper()
	b := bus.New(events.NewDiscardLogger())
	t.Cleanup(b.Close)

	sim := provider.NewSimulator(config.SimulatorConfig{
		StartLatitude:  41.0082,
		StartLongitude: 28.9784,
		StepMeters:     1200,
	})
	adapter := provider.NewAdapter(sim, b, "burak", events.NewDiscardLogger())
	return b, sim, adapter, collect(b)
}

func flush(t *testing.T, b *bus.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Sync(ctx))
}

func validOptions() provider.Options {
	return provider.OptionsFromConfig(&config.DefaultConfig().Provider)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*provider.Options)
		wantErr string
	}{
		{
			name:   "defaults",
			modify: func(o *provider.Options) {},
		},
		{
			name:    "unknown accuracy",
			modify:  func(o *provider.Options) { o.DesiredAccuracy = "extreme" },
			wantErr: "DesiredAccuracy",
		},
		{
			name:    "missing accuracy",
			modify:  func(o *provider.Options) { o.DesiredAccuracy = "" },
			wantErr: "DesiredAccuracy failed required",
		},
		{
			name:    "negative distance filter",
			modify:  func(o *provider.Options) { o.DistanceFilter = -1 },
			wantErr: "DistanceFilter",
		},
		{
			name: "fastest above regular interval",
			modify: func(o *provider.Options) {
				o.LocationUpdateInterval = time.Minute
				o.FastestLocationUpdateInterval = 2 * time.Minute
			},
			wantErr: "FastestLocationUpdateInterval",
		},
		{
			name:    "negative stop timeout",
			modify:  func(o *provider.Options) { o.StopTimeout = -time.Second },
			wantErr: "StopTimeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOptions()
			tt.modify(&opts)

			err := opts.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAdapterConfigureInvalid(t *testing.T) {
	b, _, adapter, rec := setup(t)

	opts := validOptions()
	opts.DesiredAccuracy = "extreme"

	err := adapter.Configure(opts)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
	flush(t, b)

	errs := rec.of(bus.KindProviderError)
	require.Len(t, errs, 1)
	var perr *models.ProviderError
	require.ErrorAs(t, errs[0].Err, &perr)
	assert.Equal(t, models.ProviderConfig, perr.Kind)
}

func TestAdapterNormalizesLocation(t *testing.T) {
	b, sim, adapter, rec := setup(t)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	adapter.Now = func() time.Time { return fixed }

	sim.Emit(provider.Location{Latitude: 41.01, Longitude: 28.98, Accuracy: 8})
	sim.Emit(provider.Location{ID: "given", Latitude: 41.02, Longitude: 28.99, Timestamp: fixed.Add(time.Minute)})
	flush(t, b)

	samples := rec.of(bus.KindSample)
	require.Len(t, samples, 2)

	first := samples[0].Sample
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "burak", first.Owner)
	assert.Equal(t, fixed, first.CapturedAt)
	assert.Equal(t, 8.0, first.Accuracy)
	assert.Equal(t, models.StatePending, first.State)

	second := samples[1].Sample
	assert.Equal(t, "given", second.ID)
	assert.Equal(t, fixed.Add(time.Minute), second.CapturedAt)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAdapterAssignsOrderedIDs(t *testing.T) {
	b, sim, _, rec := setup(t)

	for i := 0; i < 20; i++ {
		sim.Emit(provider.Location{Latitude: 41, Longitude: 29})
	}
	flush(t, b)

	samples := rec.of(bus.KindSample)
	require.Len(t, samples, 20)
	seen := make(map[string]bool)
	for i, e := range samples {
		assert.False(t, seen[e.Sample.ID], "duplicate id %s", e.Sample.ID)
		seen[e.Sample.ID] = true
		if i > 0 {
			assert.Less(t, samples[i-1].Sample.ID, e.Sample.ID)
		}
	}
}

func TestAdapterReportsInvalidCoordinates(t *testing.T) {
	b, sim, _, rec := setup(t)

	sim.Emit(provider.Location{Latitude: 91, Longitude: 0})
	flush(t, b)

	assert.Empty(t, rec.of(bus.KindSample))
	errs := rec.of(bus.KindProviderError)
	require.Len(t, errs, 1)
	var perr *models.ProviderError
	require.ErrorAs(t, errs[0].Err, &perr)
	assert.Equal(t, models.ProviderInternal, perr.Kind)
}

func TestAdapterStartFailureIsReported(t *testing.T) {
	b, sim, adapter, rec := setup(t)

	sim.FailNextStart(&models.ProviderError{Kind: models.ProviderPermissionDenied, Message: "location denied"})
	adapter.Start()
	flush(t, b)

	assert.False(t, sim.Running())
	errs := rec.of(bus.KindProviderError)
	require.Len(t, errs, 1)
	var perr *models.ProviderError
	require.ErrorAs(t, errs[0].Err, &perr)
	assert.Equal(t, models.ProviderPermissionDenied, perr.Kind)

	// The rejected start ends as stopped
	lcs := rec.of(bus.KindLifecycle)
	require.Len(t, lcs, 1)
	assert.Equal(t, models.LifecycleStopped, lcs[0].Lifecycle)

	// Plain errors become internal provider errors
	sim.FailNextStart(errors.New("gps chip offline"))
	adapter.Start()
	flush(t, b)
	errs = rec.of(bus.KindProviderError)
	require.Len(t, errs, 2)
	require.ErrorAs(t, errs[1].Err, &perr)
	assert.Equal(t, models.ProviderInternal, perr.Kind)
}

func TestProviderErrorsForwarded(t *testing.T) {
	b, sim, _, rec := setup(t)

	sim.Fail(models.ProviderUnavailable, "no fix")
	flush(t, b)

	errs := rec.of(bus.KindProviderError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Err.Error(), "no fix")
}

func TestSimulatorLifecycleIdempotent(t *testing.T) {
	b, sim, adapter, rec := setup(t)
	require.NoError(t, adapter.Configure(provider.Options{DesiredAccuracy: "high"}))

	adapter.Start()
	adapter.Start()
	assert.True(t, sim.Running())
	adapter.Stop()
	sim.Wait()
	adapter.Stop()
	flush(t, b)

	// The repeated Start may report before the loop does; only counts are fixed.
	lifecycles := rec.of(bus.KindLifecycle)
	require.Len(t, lifecycles, 4)
	var started, stopped int
	for _, e := range lifecycles {
		switch e.Lifecycle {
		case models.LifecycleStarted:
			started++
		case models.LifecycleStopped:
			stopped++
		}
	}
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, stopped)
	assert.Equal(t, models.LifecycleStopped, lifecycles[3].Lifecycle)
	assert.False(t, sim.Running())
}

func TestSimulatorRestartOrdersLifecycle(t *testing.T) {
	b, sim, adapter, rec := setup(t)

	adapter.Start()
	adapter.Stop()
	adapter.Start()
	adapter.Stop()
	sim.Wait()
	flush(t, b)

	var got []models.Lifecycle
	for _, e := range rec.of(bus.KindLifecycle) {
		got = append(got, e.Lifecycle)
	}
	assert.Equal(t, []models.Lifecycle{
		models.LifecycleStarted, models.LifecycleStopped,
		models.LifecycleStarted, models.LifecycleStopped,
	}, got)
}

func TestSimulatorDistanceFilter(t *testing.T) {
	b, sim, adapter, rec := setup(t)
	require.NoError(t, adapter.Configure(provider.Options{DesiredAccuracy: "high", DistanceFilter: 5000}))

	var reported []bool
	for i := 0; i < 6; i++ {
		reported = append(reported, sim.Step())
	}
	flush(t, b)

	assert.Equal(t, []bool{true, false, false, false, false, true}, reported)
	assert.Len(t, rec.of(bus.KindSample), 2)
}

func TestSimulatorTicks(t *testing.T) {
	b, sim, adapter, rec := setup(t)
	require.NoError(t, adapter.Configure(provider.Options{
		DesiredAccuracy:        "high",
		LocationUpdateInterval: 5 * time.Millisecond,
	}))

	adapter.Start()
	assert.Eventually(t, func() bool {
		return len(rec.of(bus.KindSample)) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	adapter.Stop()
	sim.Wait()
	flush(t, b)

	assert.Equal(t, bus.KindLifecycle, rec.kinds()[0])
}
