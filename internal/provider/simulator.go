package provider

import (
	"math"
	"sync"
	"time"

	"github.com/TheMichaelB/locsync/internal/config"
	"github.com/TheMichaelB/locsync/internal/models"
)

const headingStepDegrees = 15.0

// Simulator is a Provider that walks a deterministic path. Each step moves
// StepMeters and turns the heading by 15 degrees. With a zero update
// interval it only reports readings on Step or Emit.
type Simulator struct {
	mu       sync.Mutex
	listener Listener
	opts     Options
	now      func() time.Time

	lat, lon, heading float64
	step              float64
	last              *Location

	startErr error
	running  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewSimulator creates an idle simulator at the configured start point.
func NewSimulator(cfg config.SimulatorConfig) *Simulator {
	return &Simulator{
		lat:  cfg.StartLatitude,
		lon:  cfg.StartLongitude,
		step: cfg.StepMeters,
		now:  time.Now,
	}
}

// SetListener implements Provider.
func (s *Simulator) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Configure implements Provider. A changed interval applies on next Start.
func (s *Simulator) Configure(opts Options) error {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	return nil
}

// FailNextStart makes the next Start call return err.
func (s *Simulator) FailNextStart(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

// Running reports whether a walk loop is active.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start implements Provider.
func (s *Simulator) Start() error {
	s.mu.Lock()
	if err := s.startErr; err != nil {
		s.startErr = nil
		s.mu.Unlock()
		return err
	}

	if s.running {
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.OnLifecycle(models.LifecycleStarted)
		}
		return nil
	}

	s.running = true
	prev := s.done
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, prev, s.done, s.opts.LocationUpdateInterval)
	s.mu.Unlock()

	return nil
}

// Stop implements Provider. The stopped report arrives once the loop exits.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if !s.running {
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.OnLifecycle(models.LifecycleStopped)
		}
		return nil
	}

	s.running = false
	close(s.stop)
	s.mu.Unlock()

	return nil
}

// Wait blocks until the current loop, if any, has exited.
func (s *Simulator) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Simulator) loop(stop, prev, done chan struct{}, interval time.Duration) {
	defer close(done)

	// Lifecycle reports of consecutive runs never interleave.
	if prev != nil {
		<-prev
	}

	s.lifecycle(models.LifecycleStarted)
	defer s.lifecycle(models.LifecycleStopped)

	if interval <= 0 {
		<-stop
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

func (s *Simulator) lifecycle(lc models.Lifecycle) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnLifecycle(lc)
	}
}

// Step advances the walk and reports the new position unless it is within
// the distance filter of the last reported one. Returns whether a reading
// was reported.
func (s *Simulator) Step() bool {
	s.mu.Lock()
	s.heading = math.Mod(s.heading+headingStepDegrees, 360)
	rad := s.heading * math.Pi / 180
	s.lat += s.step * math.Cos(rad) / metersPerDegree
	s.lon += s.step * math.Sin(rad) / (metersPerDegree * math.Cos(s.lat*math.Pi/180))

	loc := Location{
		Latitude:  s.lat,
		Longitude: s.lon,
		Timestamp: s.now(),
		Heading:   s.heading,
		IsMoving:  true,
		Accuracy:  accuracyFor(s.opts.DesiredAccuracy),
	}

	if s.last != nil && distanceMeters(s.last.Latitude, s.last.Longitude, loc.Latitude, loc.Longitude) < s.opts.DistanceFilter {
		s.mu.Unlock()
		return false
	}
	s.last = &loc
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		l.OnLocation(loc)
	}
	return true
}

// Emit reports loc as-is, bypassing the distance filter.
func (s *Simulator) Emit(loc Location) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnLocation(loc)
	}
}

// Fail reports a provider error.
func (s *Simulator) Fail(kind models.ProviderErrorKind, message string) {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnError(&models.ProviderError{Kind: kind, Message: message})
	}
}

func accuracyFor(desired string) float64 {
	switch desired {
	case "high":
		return 5
	case "medium":
		return 50
	case "low":
		return 500
	case "passive":
		return 3000
	default:
		return 0
	}
}
