package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("POSTGRES_DSN", "postgres://u:p@localhost/db")
	t.Setenv("PUBLISH_BASE_URL", "http://publisher.local")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.APIAddr)
	assert.Equal(t, 5*time.Second, c.BatchWindow)
	assert.Equal(t, 5*time.Minute, c.LockTTL)
	assert.Equal(t, 72*time.Hour, c.ScheduledDuplicateWindow)
	assert.Equal(t, "@every 30s", c.SweepSchedule)
	assert.Equal(t, float64(5), c.PublishRatePerSec)
	assert.True(t, c.UsesRedis())

	loc, err := c.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestParse_BackendRequirements(t *testing.T) {
	t.Setenv("PUBLISH_BASE_URL", "http://publisher.local")
	t.Setenv("STORE_BACKEND", "postgres")
	_, err := Parse()
	assert.ErrorContains(t, err, "POSTGRES_DSN")

	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("COORD_BACKEND", "memory")
	t.Setenv("QUEUE_BACKEND", "local")
	c, err := Parse()
	require.NoError(t, err)
	assert.False(t, c.UsesRedis())

	t.Setenv("QUEUE_BACKEND", "kafka")
	_, err = Parse()
	assert.ErrorContains(t, err, "QUEUE_BACKEND")

	t.Setenv("QUEUE_BACKEND", "local")
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err = Parse()
	assert.ErrorContains(t, err, "TIMEZONE")
}
