// Package config holds the configuration surface for Broker and
// Coordinator construction.
package config

import "time"

// Config controls Broker and Coordinator behavior.
type Config struct {
	// ChannelName is the bus channel all endpoints in one cluster must
	// agree on. Default "sharedb-proxy".
	ChannelName string

	// Debug enables diagnostic logging.
	Debug bool

	// CallbackMaxAge is the expiry for Pending Calls.
	CallbackMaxAge time.Duration

	// CleanupInterval is the reaper period.
	CleanupInterval time.Duration

	// StaleTabWindow is how long a tab may go unseen before the
	// Coordinator's reaper treats it as departed and runs cleanupTab.
	StaleTabWindow time.Duration

	// RedisURL, when non-empty, backs the Coordinator's debounced
	// hosted-unsubscribe scheduler with a real asynq queue. Left empty,
	// the Coordinator unsubscribes from the hosted session immediately
	// once a document's last subscriber leaves, with no debounce.
	RedisURL string

	// UnsubscribeDebounce is how long the Coordinator waits, once a
	// document has no more subscribed tabs, before actually releasing
	// the hosted subscription — canceled if a tab resubscribes first.
	// Only takes effect when RedisURL is set.
	UnsubscribeDebounce time.Duration

	// ForceDirect, ForceProxy, and UseSharedWorker are feasibility
	// overrides read by the external factory layer that chooses between a
	// direct and a proxied session. The core never interprets them; they
	// are carried here only so a single Config value can be threaded from
	// application configuration down to that external layer without a
	// second struct.
	ForceDirect     bool
	ForceProxy      bool
	UseSharedWorker bool
}

// Default returns this module's documented defaults.
func Default() Config {
	return Config{
		ChannelName:         "sharedb-proxy",
		Debug:               false,
		CallbackMaxAge:      30 * time.Second,
		CleanupInterval:     10 * time.Second,
		StaleTabWindow:      30 * time.Second,
		UnsubscribeDebounce: 2 * time.Second,
	}
}

// Option mutates a Config in place; used by broker.New and
// coordinator.New to accept overrides without exposing the struct
// literal at every call site.
type Option func(*Config)

// WithChannelName overrides the bus channel name.
func WithChannelName(name string) Option {
	return func(c *Config) { c.ChannelName = name }
}

// WithDebug toggles diagnostic logging.
func WithDebug(enabled bool) Option {
	return func(c *Config) { c.Debug = enabled }
}

// WithCallbackMaxAge overrides the Pending Call expiry.
func WithCallbackMaxAge(d time.Duration) Option {
	return func(c *Config) { c.CallbackMaxAge = d }
}

// WithCleanupInterval overrides the reaper period.
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Config) { c.CleanupInterval = d }
}

// WithStaleTabWindow overrides how long an unseen tab survives before the
// reaper cleans it up.
func WithStaleTabWindow(d time.Duration) Option {
	return func(c *Config) { c.StaleTabWindow = d }
}

// WithRedisURL enables the debounced-unsubscribe scheduler against the
// given asynq/Redis address (e.g. "localhost:6379").
func WithRedisURL(url string) Option {
	return func(c *Config) { c.RedisURL = url }
}

// WithUnsubscribeDebounce overrides the debounce window used before a
// document's hosted subscription is actually released.
func WithUnsubscribeDebounce(d time.Duration) Option {
	return func(c *Config) { c.UnsubscribeDebounce = d }
}

// Apply returns Default() with every opt applied in order.
func Apply(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
