// Package config provides configuration loading for the orchestrator service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the orchestrator service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// State store / route table backends: "memory" or "redis"
	StoreType      string
	RouteTableType string

	// K8s configuration
	K8sNamespace  string
	K8sInCluster  bool
	K8sKubeconfig string

	// Agent workload configuration
	AgentImage         string
	ServiceAccountName string
	ExternalDomain     string

	// Orchestrator configuration
	DeployDeadline time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration

	// Reconciler configuration
	ReconcileInterval    time.Duration
	ReconcileParallelism int
	DegradedAfter        time.Duration
	FailedAfter          time.Duration
	AbandonAfter         time.Duration

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// Gateway route-sink auth (shared HMAC secret, empty disables)
	GatewaySecret string

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled  bool
	TracingEndpoint string
	TracingSample   float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8090"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Backends
		StoreType:      getEnv("AGENT_STORE", "memory"),
		RouteTableType: getEnv("ROUTE_TABLE", "memory"),

		// K8s
		K8sNamespace:  getEnv("K8S_NAMESPACE", "snapclaw-agents"),
		K8sInCluster:  getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig: getEnv("KUBECONFIG", ""),

		// Agent workloads
		AgentImage:         getEnv("AGENT_IMAGE", "snapclaw/agent-runtime:latest"),
		ServiceAccountName: getEnv("AGENT_SERVICE_ACCOUNT", "default"),
		ExternalDomain:     getEnv("EXTERNAL_DOMAIN", "agents.snapclaw.dev"),

		// Orchestrator
		DeployDeadline: getDuration("DEPLOY_DEADLINE", 5*time.Minute),
		RetryAttempts:  getInt("CLUSTER_RETRY_ATTEMPTS", 4),
		RetryBackoff:   getDuration("CLUSTER_RETRY_BACKOFF", 2*time.Second),

		// Reconciler
		ReconcileInterval:    getDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileParallelism: getInt("RECONCILE_PARALLELISM", 8),
		DegradedAfter:        getDuration("DEGRADED_AFTER", 2*time.Minute),
		FailedAfter:          getDuration("FAILED_AFTER", 10*time.Minute),
		AbandonAfter:         getDuration("ABANDON_AFTER", 15*time.Minute),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// Gateway sink
		GatewaySecret: getEnv("GATEWAY_SHARED_SECRET", ""),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		// Tracing
		TracingEnabled:  getBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSample:   getFloat("TRACING_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
