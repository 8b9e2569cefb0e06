package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const repoSettings = "../../settings.yaml"

func readRepoSettings(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile(repoSettings)
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	return string(raw)
}

func TestParseRepoSettings(t *testing.T) {
	s, err := LoadSettings(repoSettings)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if s.AssetSymbol != "FTBTC" || s.LotSizeAMG != 10000 {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.ConfirmationByOthersRewardWei != 100000000000000000 {
		t.Fatalf("large integers must survive the yaml round trip, got %d", s.ConfirmationByOthersRewardWei)
	}
	if s.LotSizeUBA() != 1_000_000 {
		t.Fatalf("lot size UBA: %d", s.LotSizeUBA())
	}

	cv, ok := CoreVaultSettings(s)
	if !ok || cv.CoreVaultAddress != s.CoreVaultUnderlyingAddress || cv.EscrowEndTimeSeconds != 43200 {
		t.Fatalf("unexpected core vault settings: %+v", cv)
	}
	s.CoreVaultUnderlyingAddress = ""
	if _, ok := CoreVaultSettings(s); ok {
		t.Fatalf("core vault should be disabled without an address")
	}
}

func TestParseSettingsRejects(t *testing.T) {
	base := readRepoSettings(t)
	cases := map[string]struct {
		edit func(string) string
		want string
	}{
		"unknown key": {
			edit: func(s string) string { return s + "lotSizeAmg: 5\n" },
			want: "schema",
		},
		"bips above 100%": {
			edit: func(s string) string {
				return strings.Replace(s, "redemptionFeeBIPS: 200", "redemptionFeeBIPS: 10000", 1)
			},
			want: "schema",
		},
		"unknown chain": {
			edit: func(s string) string {
				return strings.Replace(s, "underlyingChain: testbtc", "underlyingChain: doge", 1)
			},
			want: "schema",
		},
		"missing lot size": {
			edit: func(s string) string { return strings.Replace(s, "lotSizeAMG: 10000\n", "", 1) },
			want: "schema",
		},
		"minting decimals above asset decimals": {
			edit: func(s string) string {
				return strings.Replace(s, "assetMintingDecimals: 6", "assetMintingDecimals: 9", 1)
			},
			want: "assetMintingDecimals",
		},
		"not yaml": {
			edit: func(string) string { return "assetName: [" },
			want: "parse yaml",
		},
		"empty": {
			edit: func(string) string { return "" },
			want: "empty",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSettings([]byte(tc.edit(base)))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	deployments := filepath.Join(dir, "deployments.json")
	blob := `{"chainId":114,"governance":"0x00000000000000000000000000000000000a11ce",
"contracts":{"Relay":"0x0000000000000000000000000000000000000f00"},"fdcProtocolId":200,
"coreVault":{"allowedDestinations":["tb1qdest"],"preimageHashes":["0x0101010101010101010101010101010101010101010101010101010101010101"]}}`
	if err := os.WriteFile(deployments, []byte(blob), 0o600); err != nil {
		t.Fatalf("write deployments: %v", err)
	}

	t.Setenv("SETTINGS_PATH", repoSettings)
	t.Setenv("DEPLOYMENTS_PATH", deployments)
	t.Setenv("DATA_DIR", dir)
	t.Setenv("API_HTTP_PORT", "8081")
	t.Setenv("HMAC_CLOCK_SKEW_SECONDS", "30")
	t.Setenv("HMAC_SECRET", "fresh, retiring ,")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("RATE_LIMIT_PER_SEC", "not-a-number")
	t.Setenv("CHAIN_RPC_URL", "http://127.0.0.1:8545")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8081 || cfg.Service.HMACClockSkew != 30*time.Second {
		t.Fatalf("unexpected service config: %+v", cfg.Service)
	}
	if got := cfg.Service.HMACSecrets; len(got) != 2 || got[0] != "fresh" || got[1] != "retiring" {
		t.Fatalf("unexpected hmac secrets %q", got)
	}
	if cfg.Service.RateLimitPerSec != 20 {
		t.Fatalf("bad integers fall back to defaults, got %d", cfg.Service.RateLimitPerSec)
	}
	if cfg.Service.EventDBPath != filepath.Join(dir, "events.sqlite") {
		t.Fatalf("event db path: %s", cfg.Service.EventDBPath)
	}
	if cfg.Chain.Retry.MaxAttempts != 7 || cfg.Chain.ProtocolID != 200 {
		t.Fatalf("unexpected chain config: %+v", cfg.Chain)
	}
	if !cfg.Chain.RelayConfigured() {
		t.Fatalf("relay should be configured from deployments")
	}
	if got := cfg.Deployment.GovernanceAddress().Hex(); !strings.EqualFold(got, "0x00000000000000000000000000000000000a11ce") {
		t.Fatalf("governance: %s", got)
	}
	if hs := cfg.Deployment.PreimageHashes(); len(hs) != 1 || hs[0][0] != 1 {
		t.Fatalf("preimage hashes: %v", hs)
	}
}

func TestLoadDeployments(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadDeployments(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("missing deployments should be allowed: %v", err)
	}
	if cfg.GovernanceAddress().Big().Sign() != 0 {
		t.Fatalf("expected no governance")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"governance":"alice"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadDeployments(bad); err == nil {
		t.Fatalf("expected governance error")
	}

	short := filepath.Join(dir, "short.json")
	if err := os.WriteFile(short, []byte(`{"coreVault":{"preimageHashes":["0x01"]}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadDeployments(short); err == nil {
		t.Fatalf("expected preimage error")
	}

	if (ChainConfig{RPCURL: "http://x", RelayAddress: "0x0000000000000000000000000000000000000000"}).RelayConfigured() {
		t.Fatalf("zero relay address is not configured")
	}
}
