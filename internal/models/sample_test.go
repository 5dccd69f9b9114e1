package models_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/locsync/internal/models"
)

func validSample() models.Sample {
	return models.Sample{
		ID:         "s1",
		Latitude:   41.0082,
		Longitude:  28.9784,
		CapturedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		State:      models.StatePending,
	}
}

func TestSampleValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*models.Sample)
		wantErr string
	}{
		{name: "valid", modify: func(s *models.Sample) {}},
		{name: "missing id", modify: func(s *models.Sample) { s.ID = " " }, wantErr: "id is required"},
		{name: "latitude too high", modify: func(s *models.Sample) { s.Latitude = 90.5 }, wantErr: "latitude"},
		{name: "latitude NaN", modify: func(s *models.Sample) { s.Latitude = math.NaN() }, wantErr: "latitude"},
		{name: "longitude too low", modify: func(s *models.Sample) { s.Longitude = -181 }, wantErr: "longitude"},
		{name: "poles are valid", modify: func(s *models.Sample) { s.Latitude = -90; s.Longitude = 180 }},
		{name: "zero capture time", modify: func(s *models.Sample) { s.CapturedAt = time.Time{} }, wantErr: "captured_at"},
		{name: "unknown state", modify: func(s *models.Sample) { s.State = "lost" }, wantErr: "unknown state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSample()
			tt.modify(&s)

			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, models.ErrInvalidSample)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSyncStateTransitions(t *testing.T) {
	allowed := map[[2]models.SyncState]bool{
		{models.StatePending, models.StateInFlight}: true,
		{models.StateInFlight, models.StatePending}: true,
		{models.StateInFlight, models.StateSynced}:  true,
		{models.StateInFlight, models.StateFailed}:  true,
	}
	states := []models.SyncState{models.StatePending, models.StateInFlight, models.StateSynced, models.StateFailed}

	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, allowed[[2]models.SyncState{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestSampleCloneIsDeep(t *testing.T) {
	s := validSample()
	s.Extras = map[string]string{"battery": "80"}

	c := s.Clone()
	c.Extras["battery"] = "10"

	assert.Equal(t, "80", s.Extras["battery"])
	assert.Nil(t, models.CloneSamples(nil))
}

func TestSampleTerminalAndAge(t *testing.T) {
	s := validSample()
	assert.False(t, s.Terminal())
	s.State = models.StateFailed
	assert.True(t, s.Terminal())

	assert.Equal(t, time.Hour, s.Age(s.CapturedAt.Add(time.Hour)))
}

func TestTrackingStateEnabled(t *testing.T) {
	assert.True(t, models.TrackingStarting.Enabled())
	assert.True(t, models.TrackingActive.Enabled())
	assert.True(t, models.TrackingDegraded.Enabled())
	assert.False(t, models.TrackingStopping.Enabled())
	assert.False(t, models.TrackingStopped.Enabled())
}
