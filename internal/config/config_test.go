package config

import (
	"testing"
	"time"

	"game-config/internal/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "memory", c.StoreBackend)
	assert.Equal(t, "game-config", c.Bucket)
	assert.Equal(t, "mediapool", c.MediaPrefix)
	assert.Equal(t, 5, c.IndexRetries)
	assert.Equal(t, 10*time.Second, c.StoreTimeout)
}

func TestParseValues(t *testing.T) {
	t.Setenv("STORE_BACKEND", " SQLite ")
	t.Setenv("GAME_CONFIG_BUCKET", "cfg")
	t.Setenv("STORE_OP_TIMEOUT", "250ms")
	t.Setenv("INDEX_CAS_RETRIES", "2")
	t.Setenv("API_BASE", "v1/")
	t.Setenv("DEFAULT_CHANNEL", "PUBLISHED")
	t.Setenv("REDIS_PORT", "6380")

	c, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.StoreBackend)
	assert.Equal(t, "/v1", c.APIBase)
	assert.Equal(t, 250*time.Millisecond, c.StoreTimeout)
	assert.Equal(t, channel.Published, c.DefaultChannel())

	o := c.StoreOptions()
	assert.Equal(t, "cfg", o.Bucket)
	assert.Equal(t, 6380, o.Redis.Port)
	assert.Equal(t, 250*time.Millisecond, o.OpTimeout)
}

func TestParseRejects(t *testing.T) {
	t.Setenv("STORE_BACKEND", "s3")
	_, err := Parse()
	assert.ErrorContains(t, err, "STORE_BACKEND")

	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("INDEX_CAS_RETRIES", "-1")
	_, err = Parse()
	assert.ErrorContains(t, err, "INDEX_CAS_RETRIES")

	t.Setenv("INDEX_CAS_RETRIES", "nope")
	_, err = Parse()
	assert.ErrorContains(t, err, "parse env")
}

func TestDefaultChannelFallsBackToDraft(t *testing.T) {
	c := &Config{DefaultChannelRaw: ""}
	assert.Equal(t, channel.Draft, c.DefaultChannel())
	c.DefaultChannelRaw = "live"
	assert.Equal(t, channel.Draft, c.DefaultChannel())
}
