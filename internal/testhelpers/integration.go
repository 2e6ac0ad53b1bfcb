//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
)

// StoreConfig holds the store endpoints integration tests run against.
type StoreConfig struct {
	MongoURI       string
	MongoDatabase  string
	RedisAddr      string
	MemcachedAddrs string
}

// GetStoreConfig loads store endpoints from the environment, defaulting to local
// instances. Set SKIP_STORE_INTEGRATION to skip store tests entirely.
func GetStoreConfig(t *testing.T) StoreConfig {
	t.Helper()
	if os.Getenv("SKIP_STORE_INTEGRATION") != "" {
		t.Skip("SKIP_STORE_INTEGRATION set, skipping store integration test")
	}
	return StoreConfig{
		MongoURI:       envOr("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase:  envOr("MONGODB_DATABASE", "advisory_integration"),
		RedisAddr:      envOr("REDIS_ADDR", "localhost:6379"),
		MemcachedAddrs: envOr("MEMCACHED_ADDRS", "localhost:11211"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
