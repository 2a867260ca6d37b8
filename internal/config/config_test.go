package config

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkmint/internal/mint"
)

const deploymentsJSON = `{
  "chainId": 31337,
  "deployer": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
  "contracts": {
    "NFTGenerator": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
    "AccessControl": "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
    "ZKCompression": "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
    "MetadataManager": "0xCf7Ed3AccA5a467e9e704C703E8D87F634fB0Fc9"
  }
}`

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, mint.DefaultConfig(), cfg.Mint)
	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, time.Minute, cfg.Service.HMACClockSkew)
	assert.Equal(t, uint64(1), cfg.Chain.Confirmations)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.Deployment.Contracts.NFTGenerator)

	_, err = cfg.NFTGeneratorAddress()
	assert.Error(t, err)
}

func TestLoadFromEnvAndDeployments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployments.json")
	require.NoError(t, os.WriteFile(path, []byte(deploymentsJSON), 0o600))

	t.Setenv("DEPLOYMENTS_PATH", path)
	t.Setenv("MINT_COMPRESSION_MAX_ATTEMPTS", "7")
	t.Setenv("MINT_BACKOFF_BASE", "250ms")
	t.Setenv("MINT_POLL_INTERVAL", "1500")
	t.Setenv("MINT_POLL_MAX_COUNT", "12")
	t.Setenv("API_HTTP_PORT", "8081")
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("CHAIN_CONFIRMATIONS", "3")
	t.Setenv("MINT_DEFAULT_RECIPIENT", "0x00000000000000000000000000000000000000aa")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(31337), cfg.Deployment.ChainID)
	addr, err := cfg.NFTGeneratorAddress()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), addr)

	assert.Equal(t, 7, cfg.Mint.CompressionMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Mint.BackoffBase)
	assert.Equal(t, 1500*time.Millisecond, cfg.Mint.PollInterval)
	assert.Equal(t, 12, cfg.Mint.PollMaxCount)
	assert.Equal(t, 8081, cfg.Service.HTTPPort)
	assert.InDelta(t, 2.5, cfg.Service.RateLimitRPS, 1e-9)
	assert.Equal(t, uint64(3), cfg.Chain.Confirmations)
	assert.Equal(t, common.HexToAddress("0xaa"), cfg.Chain.DefaultRecipient)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "deployments.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	t.Setenv("DEPLOYMENTS_PATH", bad)

	_, err := Load()
	require.Error(t, err)

	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(dir, "missing.json"))
	t.Setenv("MINT_DEFAULT_RECIPIENT", "not-an-address")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadTrustedProxies(t *testing.T) {
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("API_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.7/32"),
	}, cfg.Service.TrustedProxies)

	t.Setenv("API_TRUSTED_PROXIES", "10.0.0.0/8,nonsense")
	_, err = Load()
	require.Error(t, err)
}

func TestEnvOrDurationFallsBack(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	assert.Equal(t, time.Second, envOrDuration("SOME_DURATION", time.Second))
}
