// Package config reads gateway configuration from the environment, the way
// the teacher's lessons pull "INFURA_RPC_URL" from os.Getenv with a literal
// fallback — there is no framework here, just defaulted env lookups plus
// flags in cmd/ main packages.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMainnetEndpoint = "https://api.mainnet-beta.solana.com"
	heliusEndpointTemplate = "https://mainnet.helius-rpc.com/?api-key="
)

// Config is the gateway's startup configuration.
type Config struct {
	Endpoints        []string
	PoolSize         int
	EndpointTimeout  time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	MaxConsecutiveFailures int
	CachePath        string
	HTTPAddr         string
	Debug            bool
}

// Load reads configuration from the environment, applying the defaults of
// spec §6.
func Load() Config {
	cfg := Config{
		Endpoints:              endpointsFromEnv(),
		PoolSize:               envInt("SOLGATEWAY_POOL_SIZE", 10),
		EndpointTimeout:        envDuration("SOLGATEWAY_ENDPOINT_TIMEOUT", 10*time.Second),
		MaxRetries:             envInt("SOLGATEWAY_MAX_RETRIES", 3),
		RetryDelay:             envDuration("SOLGATEWAY_RETRY_DELAY", time.Second),
		MaxConsecutiveFailures: envInt("SOLGATEWAY_MAX_CONSECUTIVE_FAILURES", 5),
		CachePath:              envString("SOLGATEWAY_CACHE_PATH", "solgateway-cache.db"),
		HTTPAddr:               envString("SOLGATEWAY_HTTP_ADDR", ":8080"),
		Debug:                  os.Getenv("SOLGATEWAY_DEBUG") == "1",
	}
	return cfg
}

func endpointsFromEnv() []string {
	endpoints := []string{DefaultMainnetEndpoint}

	if raw := os.Getenv("SOLANA_RPC_ENDPOINTS"); raw != "" {
		endpoints = nil
		for _, e := range strings.Split(raw, ",") {
			e = strings.TrimSpace(e)
			if e != "" {
				endpoints = append(endpoints, e)
			}
		}
	}

	if key := os.Getenv("HELIUS_API_KEY"); key != "" {
		endpoints = append(endpoints, heliusEndpointTemplate+key)
	}

	return endpoints
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// IsHeliusEndpoint reports whether url points at the Helius-hosted RPC
// host, used by the pool to pin/prioritize it and to exclude it from
// filtered stats (spec §4.4, §4.6.5).
func IsHeliusEndpoint(url string) bool {
	return strings.Contains(url, "helius-rpc.com")
}
