package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/dex/drift-sdk/pkg/retry"
	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

type LogConfig struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type NetworkConfig struct {
	Context    types.Context
	RPCURL     string
	WSURL      string
	Commitment rpc.CommitmentType
	ProgramID  solana.PublicKey
}

// ProviderConfig selects how account state is kept fresh: "rpc" polls,
// "ws" subscribes over the RPC websocket.
type ProviderConfig struct {
	Kind         string
	PollInterval time.Duration
	MaxRetries   int
}

// WalletConfig describes the signing key. Authority makes the wallet
// read-only when no keypair is configured.
type WalletConfig struct {
	KeypairPath   string
	Authority     solana.PublicKey
	DelegateOwner *solana.PublicKey
	SubAccountIDs []uint16
}

type RetryConfig struct {
	Kind        string
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (c RetryConfig) Policy() (retry.Policy, error) {
	return retry.FromConfig(c.Kind, c.Base, c.Max, c.MaxAttempts)
}

type RecorderConfig struct {
	Network      NetworkConfig
	Wallet       WalletConfig
	DBDSN        string
	Retry        RetryConfig
	DedupeWindow int
	MetricsAddr  string
	Log          LogConfig
}

type WatcherConfig struct {
	Network          NetworkConfig
	Provider         ProviderConfig
	DLOBURL          string
	Markets          []string
	Depth            int
	Mode             string
	PollInterval     time.Duration
	HeartbeatTimeout time.Duration
	LogInterval      time.Duration
	Retry            RetryConfig
	MetricsAddr      string
	Log              LogConfig
}

func LoadRecorderConfig() (RecorderConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return RecorderConfig{}, err
	}

	network, err := loadNetworkConfig()
	if err != nil {
		return RecorderConfig{}, err
	}

	wallet, err := loadWalletConfig("RECORDER")
	if err != nil {
		return RecorderConfig{}, err
	}

	dbDSN := strings.TrimSpace(valueForKey("RECORDER_DB_DSN"))
	if dbDSN == "" {
		dbDSN = strings.TrimSpace(valueForKey("DB_DSN"))
	}
	if dbDSN == "" {
		return RecorderConfig{}, fmt.Errorf("RECORDER_DB_DSN is required")
	}

	retryConfig, err := loadRetryConfig("RECORDER")
	if err != nil {
		return RecorderConfig{}, err
	}

	dedupeWindow, err := envInt("RECORDER_DEDUPE_WINDOW", 1024)
	if err != nil {
		return RecorderConfig{}, err
	}

	return RecorderConfig{
		Network:      network,
		Wallet:       wallet,
		DBDSN:        dbDSN,
		Retry:        retryConfig,
		DedupeWindow: dedupeWindow,
		MetricsAddr:  envOrDefault("RECORDER_METRICS_ADDR", ":9464"),
		Log:          buildLogConfig("RECORDER", "event-recorder"),
	}, nil
}

func LoadWatcherConfig() (WatcherConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return WatcherConfig{}, err
	}

	network, err := loadNetworkConfig()
	if err != nil {
		return WatcherConfig{}, err
	}

	provider, err := loadProviderConfig("WATCHER")
	if err != nil {
		return WatcherConfig{}, err
	}

	mode := strings.ToLower(envOrDefault("WATCHER_MODE", "ws"))
	if mode != "ws" && mode != "poll" {
		return WatcherConfig{}, fmt.Errorf("invalid WATCHER_MODE %q (expected ws|poll)", mode)
	}

	depth, err := envInt("WATCHER_DEPTH", 10)
	if err != nil {
		return WatcherConfig{}, err
	}

	pollInterval, err := envDuration("WATCHER_POLL_INTERVAL", time.Second)
	if err != nil {
		return WatcherConfig{}, err
	}

	heartbeatTimeout, err := envDuration("WATCHER_HEARTBEAT_TIMEOUT", 15*time.Second)
	if err != nil {
		return WatcherConfig{}, err
	}

	logInterval, err := envDuration("WATCHER_LOG_INTERVAL", 5*time.Second)
	if err != nil {
		return WatcherConfig{}, err
	}

	retryConfig, err := loadRetryConfig("WATCHER")
	if err != nil {
		return WatcherConfig{}, err
	}

	// names such as SOL-PERP or ids such as perp-0
	markets := parseCSVEnv(valueForKey("WATCHER_MARKETS"), []string{"SOL-PERP"})

	return WatcherConfig{
		Network:          network,
		Provider:         provider,
		DLOBURL:          envOrDefault("DLOB_URL", network.Context.DLOBURL()),
		Markets:          markets,
		Depth:            depth,
		Mode:             mode,
		PollInterval:     pollInterval,
		HeartbeatTimeout: heartbeatTimeout,
		LogInterval:      logInterval,
		Retry:            retryConfig,
		MetricsAddr:      envOrDefault("WATCHER_METRICS_ADDR", ":9465"),
		Log:              buildLogConfig("WATCHER", "book-watcher"),
	}, nil
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

func loadNetworkConfig() (NetworkConfig, error) {
	network, err := types.ParseContext(valueForKey("SOLANA_NETWORK"))
	if err != nil {
		return NetworkConfig{}, fmt.Errorf("invalid SOLANA_NETWORK: %w", err)
	}

	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return NetworkConfig{}, err
	}

	programID, err := envPubkey("PROGRAM_ID", network.ProgramID())
	if err != nil {
		return NetworkConfig{}, err
	}

	rpcURL := envOrDefault("SOLANA_RPC_URL", network.RPCURL())
	return NetworkConfig{
		Context:    network,
		RPCURL:     rpcURL,
		WSURL:      envOrDefault("SOLANA_WS_URL", types.WSURL(rpcURL)),
		Commitment: commitment,
		ProgramID:  programID,
	}, nil
}

func loadProviderConfig(prefix string) (ProviderConfig, error) {
	kind := strings.ToLower(envOrDefault(prefix+"_ACCOUNT_PROVIDER", "rpc"))
	if kind != "rpc" && kind != "ws" {
		return ProviderConfig{}, fmt.Errorf("invalid %s_ACCOUNT_PROVIDER %q (expected rpc|ws)", prefix, kind)
	}

	pollInterval, err := envDuration(prefix+"_ACCOUNT_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return ProviderConfig{}, err
	}

	maxRetries, err := envInt(prefix+"_ACCOUNT_MAX_RETRIES", 5)
	if err != nil {
		return ProviderConfig{}, err
	}

	return ProviderConfig{Kind: kind, PollInterval: pollInterval, MaxRetries: maxRetries}, nil
}

func loadWalletConfig(prefix string) (WalletConfig, error) {
	authority, err := envPubkey(prefix+"_AUTHORITY", solana.PublicKey{})
	if err != nil {
		return WalletConfig{}, err
	}

	keypairPath := envOrDefault(prefix+"_KEYPAIR_PATH", valueForKey("SOLANA_KEYPAIR_PATH"))
	if keypairPath == "" && authority.IsZero() {
		keypairPath = "~/.config/solana/id.json"
	}
	if keypairPath != "" {
		keypairPath, err = expandHomePath(keypairPath)
		if err != nil {
			return WalletConfig{}, fmt.Errorf("expand keypair path: %w", err)
		}
	}

	var delegateOwner *solana.PublicKey
	owner, err := envPubkey(prefix+"_DELEGATE_OWNER", solana.PublicKey{})
	if err != nil {
		return WalletConfig{}, err
	}
	if !owner.IsZero() {
		delegateOwner = &owner
	}

	subAccounts, err := envUint16List(prefix+"_SUB_ACCOUNTS", []uint16{0})
	if err != nil {
		return WalletConfig{}, err
	}

	return WalletConfig{
		KeypairPath:   keypairPath,
		Authority:     authority,
		DelegateOwner: delegateOwner,
		SubAccountIDs: subAccounts,
	}, nil
}

func loadRetryConfig(prefix string) (RetryConfig, error) {
	kind := strings.ToLower(envOrDefault(prefix+"_RETRY_POLICY", "exponential"))

	base, err := envDuration(prefix+"_RETRY_BASE", time.Second)
	if err != nil {
		return RetryConfig{}, err
	}

	maxDelay, err := envDuration(prefix+"_RETRY_MAX", 30*time.Second)
	if err != nil {
		return RetryConfig{}, err
	}

	// zero keeps retrying forever
	attempts, err := envNonNegativeInt(prefix+"_RETRY_ATTEMPTS", 0)
	if err != nil {
		return RetryConfig{}, err
	}

	cfg := RetryConfig{Kind: kind, Base: base, Max: maxDelay, MaxAttempts: attempts}
	if _, err := cfg.Policy(); err != nil {
		return RetryConfig{}, fmt.Errorf("invalid %s_RETRY_POLICY: %w", prefix, err)
	}
	return cfg, nil
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join("logs", serviceName, serviceName+".log")))

	cfg := LogConfig{
		Level:      level,
		Format:     format,
		Output:     output,
		FilePath:   filePath,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	}
	if v, err := envInt("LOG_MAX_SIZE_MB", cfg.MaxSizeMB); err == nil {
		cfg.MaxSizeMB = v
	}
	if v, err := envNonNegativeInt("LOG_MAX_BACKUPS", cfg.MaxBackups); err == nil {
		cfg.MaxBackups = v
	}
	if v, err := envNonNegativeInt("LOG_MAX_AGE_DAYS", cfg.MaxAgeDays); err == nil {
		cfg.MaxAgeDays = v
	}
	if v, err := envBool("LOG_COMPRESS", cfg.Compress); err == nil {
		cfg.Compress = v
	}
	return cfg
}

func envUint16List(key string, fallback []uint16) ([]uint16, error) {
	parts := parseCSVEnv(valueForKey(key), nil)
	if len(parts) == 0 {
		return fallback, nil
	}
	out := make([]uint16, 0, len(parts))
	seen := make(map[uint16]struct{}, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, part, err)
		}
		id := uint16(v)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
