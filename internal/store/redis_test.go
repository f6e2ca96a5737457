package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dakbox/dakbox-cli/internal/config"
)

func TestDecodeChange(t *testing.T) {
	c, err := decodeChange(`{"key":"dakboxAutoOtpEnabled","newValue":"dHJ1ZQ=="}`)
	require.NoError(t, err)
	assert.Equal(t, "dakboxAutoOtpEnabled", c.Key)
	assert.Equal(t, []byte("true"), c.NewValue)

	_, err = decodeChange(`{"newValue":"dHJ1ZQ=="}`)
	assert.Error(t, err)

	_, err = decodeChange(`nope`)
	assert.Error(t, err)
}

// TestRedis_Live runs against a real instance when DAKBOX_TEST_REDIS holds its address.
func TestRedis_Live(t *testing.T) {
	addr := os.Getenv("DAKBOX_TEST_REDIS")
	if addr == "" {
		t.Skip("DAKBOX_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.RedisConfig{Address: addr, Prefix: "dakbox:test:" + t.Name() + ":"}
	r, err := NewRedis(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	watch, err := r.Watch(watchCtx)
	require.NoError(t, err)

	require.NoError(t, r.Set(ctx, map[string][]byte{"k": []byte(`"v"`)}))
	got, err := r.Get(ctx, "k", "absent")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"k": []byte(`"v"`)}, got)

	c := recv(t, watch)
	assert.Equal(t, "k", c.Key)
	assert.Equal(t, []byte(`"v"`), c.NewValue)

	require.NoError(t, r.Remove(ctx, "k"))
	c = recv(t, watch)
	assert.Nil(t, c.NewValue)
}
