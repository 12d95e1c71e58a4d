package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryConfigValidate(t *testing.T) {
	valid := QueryConfig{
		QueryID:      "q1",
		Query:        "MATCH (n:Sensor) WHERE n.temp > 30 RETURN n",
		SourceLabels: []string{"Sensor"},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*QueryConfig)
	}{
		{"missing id", func(c *QueryConfig) { c.QueryID = "" }},
		{"empty query text", func(c *QueryConfig) { c.Query = "" }},
		{"no source labels", func(c *QueryConfig) { c.SourceLabels = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidConfig)
		})
	}
}

func TestRetentionPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy RetentionPolicy
		ok     bool
	}{
		{"latest", RetentionPolicy{Kind: RetainLatest}, true},
		{"all", RetentionPolicy{Kind: RetainAll}, true},
		{"expire with ttl", RetentionPolicy{Kind: RetainExpire, TTL: time.Hour}, true},
		{"expire without ttl", RetentionPolicy{Kind: RetainExpire}, false},
		{"expire negative ttl", RetentionPolicy{Kind: RetainExpire, TTL: -time.Minute}, false},
		{"latest with ttl", RetentionPolicy{Kind: RetainLatest, TTL: time.Hour}, false},
		{"unknown kind", RetentionPolicy{Kind: "forever"}, false},
		{"empty kind", RetentionPolicy{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestViewConfigValidate(t *testing.T) {
	valid := ViewConfig{
		ViewID:    "v1",
		QueryID:   "q1",
		Retention: RetentionPolicy{Kind: RetainExpire, TTL: 24 * time.Hour},
	}
	require.NoError(t, valid.Validate())

	noID := valid
	noID.ViewID = ""
	assert.ErrorIs(t, noID.Validate(), ErrInvalidConfig)

	noQuery := valid
	noQuery.QueryID = ""
	assert.ErrorIs(t, noQuery.Validate(), ErrInvalidConfig)

	badRetention := valid
	badRetention.Retention = RetentionPolicy{Kind: RetainExpire}
	assert.ErrorIs(t, badRetention.Validate(), ErrInvalidConfig)
}

func TestViewRowValidity(t *testing.T) {
	from := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	open := ViewRow{Key: "k1", ValidFrom: from}
	assert.True(t, open.Open())
	assert.False(t, open.ValidAt(from.Add(-time.Second)))
	assert.True(t, open.ValidAt(from))
	assert.True(t, open.ValidAt(from.Add(time.Hour)))

	closed := ViewRow{Key: "k1", ValidFrom: from, ValidTo: to}
	assert.False(t, closed.Open())
	assert.True(t, closed.ValidAt(from))
	assert.True(t, closed.ValidAt(to.Add(-time.Nanosecond)))
	assert.False(t, closed.ValidAt(to), "validity interval is half-open")
}
