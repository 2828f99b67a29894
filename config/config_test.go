package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyWithNoOptionsReturnsDefaults(t *testing.T) {
	assert.Equal(t, Default(), Apply())
}

func TestApplyAppliesOptionsInOrder(t *testing.T) {
	cfg := Apply(
		WithChannelName("custom"),
		WithDebug(true),
		WithCallbackMaxAge(5*time.Second),
		WithCleanupInterval(time.Second),
		WithStaleTabWindow(time.Minute),
		WithRedisURL("localhost:6379"),
		WithUnsubscribeDebounce(3*time.Second),
	)

	assert.Equal(t, "custom", cfg.ChannelName)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.CallbackMaxAge)
	assert.Equal(t, time.Second, cfg.CleanupInterval)
	assert.Equal(t, time.Minute, cfg.StaleTabWindow)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)
	assert.Equal(t, 3*time.Second, cfg.UnsubscribeDebounce)
}

func TestLaterOptionWins(t *testing.T) {
	cfg := Apply(WithChannelName("a"), WithChannelName("b"))
	assert.Equal(t, "b", cfg.ChannelName)
}
