package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fassets/internal/assetmanager"
	"fassets/internal/attestation"

	"github.com/ethereum/go-ethereum/common"
)

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID    int64  `json:"chainId"`
	Governance string `json:"governance"`
	Contracts  struct {
		Relay        string `json:"Relay"`
		AssetManager string `json:"AssetManager"`
	} `json:"contracts"`
	ProtocolID uint64 `json:"fdcProtocolId"`
	CoreVault  struct {
		AllowedDestinations []string `json:"allowedDestinations"`
		PreimageHashes      []string `json:"preimageHashes"`
	} `json:"coreVault"`
}

// AppConfig ties together asset settings, deployment info and service values.
type AppConfig struct {
	Settings   assetmanager.Settings
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecrets          []string
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DatabaseURL          string
	EventDBPath          string
	EventQueue           int
	DataDir              string
	DLQPath              string
	SnapshotEvery        time.Duration
	SnapshotKeep         int
	JournalRetention     time.Duration
	CoreVaultTrigger     time.Duration
	RateLimitPerSec      int
	RateLimitBurst       int
	StreamQueue          int
	LogDev               bool
}

type ChainConfig struct {
	RPCURL         string
	RelayAddress   string
	ProtocolID     uint64
	RPCTimeout     time.Duration
	ProofCacheSize int
	Retry          attestation.RetryPolicy
}

// RelayConfigured reports whether proofs can be checked against a live relay.
func (c ChainConfig) RelayConfigured() bool {
	if c.RPCURL == "" || !common.IsHexAddress(c.RelayAddress) {
		return false
	}
	return common.HexToAddress(c.RelayAddress) != (common.Address{})
}

const (
	defaultSettingsPath    = "settings.yaml"
	defaultDeploymentsPath = "deployments.json"
	defaultDataDir         = "data"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	settingsPath := envOr("SETTINGS_PATH", defaultSettingsPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	dataDir := envOr("DATA_DIR", defaultDataDir)
	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecrets:          envList("HMAC_SECRET"),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(dataDir, "idempotency.jsonl")),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		EventDBPath:          envOr("EVENT_DB_PATH", filepath.Join(dataDir, "events.sqlite")),
		EventQueue:           envOrInt("EVENT_QUEUE", 4096),
		DataDir:              dataDir,
		DLQPath:              envOr("DLQ_PATH", filepath.Join(dataDir, "dlq")),
		SnapshotEvery:        time.Duration(envOrInt("SNAPSHOT_EVERY_SECONDS", 300)) * time.Second,
		SnapshotKeep:         envOrInt("SNAPSHOT_KEEP", 12),
		JournalRetention:     time.Duration(envOrInt("JOURNAL_RETENTION_HOURS", 24*30)) * time.Hour,
		CoreVaultTrigger:     time.Duration(envOrInt("CORE_VAULT_TRIGGER_SECONDS", 3600)) * time.Second,
		RateLimitPerSec:      envOrInt("RATE_LIMIT_PER_SEC", 20),
		RateLimitBurst:       envOrInt("RATE_LIMIT_BURST", 50),
		StreamQueue:          envOrInt("STREAM_QUEUE", 256),
		LogDev:               envOr("LOG_DEV", "") == "1",
	}

	chainCfg := ChainConfig{
		RPCURL:         envOr("CHAIN_RPC_URL", ""),
		RelayAddress:   envOr("RELAY_ADDRESS", deployCfg.Contracts.Relay),
		ProtocolID:     uint64(envOrInt("FDC_PROTOCOL_ID", int(deployCfg.ProtocolID))),
		RPCTimeout:     time.Duration(envOrInt("RPC_TIMEOUT_MS", 5000)) * time.Millisecond,
		ProofCacheSize: envOrInt("PROOF_CACHE_SIZE", 4096),
		Retry: attestation.RetryPolicy{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 4),
			InitialBackoff:    time.Duration(envOrInt("RETRY_INITIAL_BACKOFF_MS", 250)) * time.Millisecond,
			MaxBackoff:        time.Duration(envOrInt("RETRY_MAX_BACKOFF_MS", 4000)) * time.Millisecond,
			BackoffMultiplier: envOrInt("RETRY_BACKOFF_MULTIPLIER", 2),
		},
	}

	return &AppConfig{
		Settings:   settings,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
	}, nil
}

// loadDeployments reads deployments.json. A missing file yields an empty
// deployment, which runs the service against the mock verifier.
func loadDeployments(path string) (*DeploymentConfig, error) {
	var cfg DeploymentConfig
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if g := cfg.Governance; g != "" && !common.IsHexAddress(g) {
		return nil, fmt.Errorf("governance %q is not an address", g)
	}
	for _, h := range cfg.CoreVault.PreimageHashes {
		if len(strings.TrimPrefix(h, "0x")) != 64 {
			return nil, fmt.Errorf("preimage hash %q is not 32 bytes", h)
		}
	}
	return &cfg, nil
}

// GovernanceAddress is the only caller allowed to pause or terminate, or the
// zero address when governance calls are unrestricted.
func (d DeploymentConfig) GovernanceAddress() common.Address {
	if d.Governance == "" {
		return common.Address{}
	}
	return common.HexToAddress(d.Governance)
}

// PreimageHashes decodes the core vault escrow preimage hashes.
func (d DeploymentConfig) PreimageHashes() []common.Hash {
	out := make([]common.Hash, 0, len(d.CoreVault.PreimageHashes))
	for _, h := range d.CoreVault.PreimageHashes {
		out = append(out, common.HexToHash(h))
	}
	return out
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
