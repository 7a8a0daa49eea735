// Package config holds the single configuration struct for the platform
// server. Values are populated from cobra flags in cmd/server, which default
// from PLATFORM_* environment variables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// devKeySeed is the fixed string the master key is derived from in dev mode
// when no key is configured. Never used when MasterKeyHex is set.
const devKeySeed = "platform-dev-master-key"

// Config enumerates every knob the server reads. A single struct keeps the
// wiring in cmd/server flat and makes the full surface greppable.
type Config struct {
	// HTTPAddr is the listen address for the REST API, e.g. ":8080".
	HTTPAddr string

	// Database.
	DBDriver string // "sqlite" or "postgres"
	DBDSN    string

	// RedisAddr is the cache / pub-sub endpoint, e.g. "localhost:6379".
	RedisAddr     string
	RedisPassword string

	// ObjectStoreDir is the root directory of the object store
	// (session logs, artifacts).
	ObjectStoreDir string

	// MasterKeyHex is the hex-encoded 32-byte AES-256 master key for the
	// secret engine. Optional in dev mode, where a deterministic key is
	// derived instead.
	MasterKeyHex string

	// GitRoot is the directory holding bare project repositories.
	GitRoot string
	// OpsRoot is the directory holding operations (deploy config) repositories.
	OpsRoot string

	// SMTP relay for notification email delivery. Optional.
	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	// AdminPassword bootstraps the initial admin user on first start.
	AdminPassword string

	// PipelineNamespace is the cluster namespace for CI pipeline workloads.
	PipelineNamespace string
	// AgentNamespace is the cluster namespace for agent session pods.
	AgentNamespace string
	// DeployNamespace is the cluster namespace for application deployments.
	DeployNamespace string

	// RegistryURL is the container registry pushed to by pipelines and
	// pulled from by deployments.
	RegistryURL string

	// PlatformURL is the externally reachable base URL of this server,
	// injected into agent pods so they can call back.
	PlatformURL string

	// SecureCookies toggles the Secure flag on auth cookies.
	SecureCookies bool

	// CORSOrigins is the comma-separated list of allowed origins.
	CORSOrigins string

	// TrustProxyHeaders enables X-Forwarded-For / X-Real-IP handling.
	TrustProxyHeaders bool

	// DevMode relaxes key requirements and enables verbose logging.
	DevMode bool

	// Agent provider defaults.
	AgentImage    string
	AgentModel    string
	AgentMaxTurns int
	// ProviderKeySecret is the name of the cluster Secret holding the AI
	// provider API key referenced by agent pods.
	ProviderKeySecret string

	// WebAuthn relying party settings, passed through to the SPA login flow.
	WebAuthnRPID   string
	WebAuthnOrigin string
	WebAuthnRPName string

	LogLevel string
}

// MasterKey returns the 32-byte AES-256 master key. When MasterKeyHex is
// empty and DevMode is set, the key is derived deterministically so local
// databases survive restarts; outside dev mode a missing key is an error.
func (c *Config) MasterKey() ([]byte, error) {
	if c.MasterKeyHex != "" {
		key, err := hex.DecodeString(strings.TrimSpace(c.MasterKeyHex))
		if err != nil {
			return nil, fmt.Errorf("config: master key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("config: master key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}
	if !c.DevMode {
		return nil, fmt.Errorf("config: master key is required outside dev mode, set --master-key or PLATFORM_MASTER_KEY")
	}
	sum := sha256.Sum256([]byte(devKeySeed))
	return sum[:], nil
}

// CORSOriginList splits CORSOrigins into a slice, dropping empty entries.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
