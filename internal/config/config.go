package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"zkmint/internal/mint"
)

// DeploymentConfig represents deployments.json as written by the contract deploy script.
type DeploymentConfig struct {
	ChainID   int64  `json:"chainId"`
	Deployer  string `json:"deployer"`
	Contracts struct {
		NFTGenerator    string `json:"NFTGenerator"`
		AccessControl   string `json:"AccessControl"`
		ZKCompression   string `json:"ZKCompression"`
		MetadataManager string `json:"MetadataManager"`
	} `json:"contracts"`
}

// AppConfig ties together deployment info and environment-derived values.
type AppConfig struct {
	Deployment DeploymentConfig
	Mint       mint.Config
	Service    ServiceConfig
	Chain      ChainConfig
	Proof      ProofConfig
	Archive    ArchiveConfig
	LogLevel   slog.Level
}

type ServiceConfig struct {
	HTTPPort       int
	HMACSecret     string
	HMACClockSkew  time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix
}

type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	Confirmations uint64
	GasLimit      uint64
	// DefaultRecipient receives tokens when a request names none.
	DefaultRecipient common.Address
	// FakePendingPolls is used by the in-memory ledger when no key is configured.
	FakePendingPolls int
}

type ProofConfig struct {
	URL     string
	Timeout time.Duration
}

type ArchiveConfig struct {
	PostgresDSN string
	FilePath    string
}

const defaultDeploymentsPath = "../deployments.json"

// Load aggregates configuration from disk and environment. A missing
// deployments file is tolerated so the service can run against the fake ledger.
func Load() (*AppConfig, error) {
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)
	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load deployments: %w", err)
	}
	if deployCfg == nil {
		deployCfg = &DeploymentConfig{}
	}

	def := mint.DefaultConfig()
	mintCfg := mint.Config{
		CompressionMaxAttempts: envOrInt("MINT_COMPRESSION_MAX_ATTEMPTS", def.CompressionMaxAttempts),
		BackoffBase:            envOrDuration("MINT_BACKOFF_BASE", def.BackoffBase),
		BackoffCap:             envOrDuration("MINT_BACKOFF_CAP", def.BackoffCap),
		CompressionBudget:      envOrDuration("MINT_COMPRESSION_BUDGET", def.CompressionBudget),
		PollInterval:           envOrDuration("MINT_POLL_INTERVAL", def.PollInterval),
		PollMaxCount:           envOrInt("MINT_POLL_MAX_COUNT", def.PollMaxCount),
		PollBudget:             envOrDuration("MINT_POLL_BUDGET", def.PollBudget),
		SubmissionTimeout:      envOrDuration("MINT_SUBMISSION_TIMEOUT", def.SubmissionTimeout),
	}

	proxies, err := parsePrefixes(envOr("API_TRUSTED_PROXIES", ""))
	if err != nil {
		return nil, fmt.Errorf("API_TRUSTED_PROXIES: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:       envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:     envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:  time.Duration(envOrInt("API_HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		RateLimitRPS:   envOrFloat("API_RATE_LIMIT_RPS", 10),
		RateLimitBurst: envOrInt("API_RATE_LIMIT_BURST", 20),
		TrustedProxies: proxies,
	}

	recipient := envOr("MINT_DEFAULT_RECIPIENT", "")
	if recipient != "" && !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("MINT_DEFAULT_RECIPIENT %q is not an address", recipient)
	}

	chainCfg := ChainConfig{
		RPCURL:           envOr("CHAIN_RPC_URL", "http://127.0.0.1:8545"),
		PrivateKey:       envOr("CHAIN_PRIVATE_KEY", ""),
		Confirmations:    uint64(envOrInt("CHAIN_CONFIRMATIONS", 1)),
		GasLimit:         uint64(envOrInt("CHAIN_GAS_LIMIT", 0)),
		DefaultRecipient: common.HexToAddress(recipient),
		FakePendingPolls: envOrInt("FAKE_LEDGER_PENDING_POLLS", 1),
	}

	proofCfg := ProofConfig{
		URL:     envOr("PROOF_SERVICE_URL", ""),
		Timeout: envOrDuration("PROOF_SERVICE_TIMEOUT", 30*time.Second),
	}

	archiveCfg := ArchiveConfig{
		PostgresDSN: envOr("ARCHIVE_POSTGRES_DSN", ""),
		FilePath:    envOr("ARCHIVE_FILE_PATH", ""),
	}

	return &AppConfig{
		Deployment: *deployCfg,
		Mint:       mintCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Proof:      proofCfg,
		Archive:    archiveCfg,
		LogLevel:   parseLevel(envOr("LOG_LEVEL", "info")),
	}, nil
}

// NFTGeneratorAddress validates and returns the mint contract address.
func (c *AppConfig) NFTGeneratorAddress() (common.Address, error) {
	addr := c.Deployment.Contracts.NFTGenerator
	if !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("deployments: NFTGenerator address %q is invalid", addr)
	}
	return common.HexToAddress(addr), nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parsePrefixes reads a comma separated list of CIDRs or bare IPs.
func parsePrefixes(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("750ms") or a bare number of milliseconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	val = strings.TrimSpace(val)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
