package config

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

func TestFlattenConfigValue(t *testing.T) {
	body := []byte(`
recorder:
  db-dsn: postgres://localhost/events
  retry:
    policy: fixed
    attempts: 3
  sub_accounts: [0, 2]
watcher:
  markets:
    - SOL-PERP
    - " "
    - sol
`)
	raw := make(map[string]any)
	require.NoError(t, yaml.Unmarshal(body, &raw))

	out := make(map[string]string)
	require.NoError(t, flattenConfigValue("", raw, out))
	assert.Equal(t, map[string]string{
		"RECORDER_DB_DSN":         "postgres://localhost/events",
		"RECORDER_RETRY_POLICY":   "fixed",
		"RECORDER_RETRY_ATTEMPTS": "3",
		"RECORDER_SUB_ACCOUNTS":   "0,2",
		"WATCHER_MARKETS":         "SOL-PERP,sol",
	}, out)
}

func TestLoadRecorderConfigFromEnv(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	t.Setenv("SOLANA_NETWORK", "mainnet")
	t.Setenv("SOLANA_COMMITMENT", "finalized")
	t.Setenv("RECORDER_DB_DSN", "postgres://localhost/events")
	t.Setenv("RECORDER_AUTHORITY", authority.String())
	t.Setenv("RECORDER_DELEGATE_OWNER", owner.String())
	t.Setenv("RECORDER_SUB_ACCOUNTS", "0, 2,2")
	t.Setenv("RECORDER_RETRY_POLICY", "fixed")
	t.Setenv("RECORDER_RETRY_BASE", "250ms")
	t.Setenv("RECORDER_RETRY_ATTEMPTS", "3")

	cfg, err := LoadRecorderConfig()
	require.NoError(t, err)

	assert.Equal(t, types.MainNet, cfg.Network.Context)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Network.Commitment)
	assert.Equal(t, "wss://api.mainnet-beta.solana.com", cfg.Network.WSURL)
	assert.Equal(t, types.ProgramID, cfg.Network.ProgramID)
	assert.Equal(t, authority, cfg.Wallet.Authority)
	require.NotNil(t, cfg.Wallet.DelegateOwner)
	assert.Equal(t, owner, *cfg.Wallet.DelegateOwner)
	assert.Equal(t, []uint16{0, 2}, cfg.Wallet.SubAccountIDs)
	assert.Equal(t, RetryConfig{Kind: "fixed", Base: 250 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 3}, cfg.Retry)

	policy, err := cfg.Retry.Policy()
	require.NoError(t, err)
	assert.True(t, policy.Decide(2, types.ErrTransport).Retry)
	assert.False(t, policy.Decide(3, types.ErrTransport).Retry)
}

func TestLoadRecorderConfigRequiresDSN(t *testing.T) {
	t.Setenv("RECORDER_DB_DSN", "")
	t.Setenv("DB_DSN", "")
	_, err := LoadRecorderConfig()
	require.Error(t, err)
}

func TestLoadWatcherConfigValidates(t *testing.T) {
	t.Setenv("WATCHER_MODE", "carrier-pigeon")
	_, err := LoadWatcherConfig()
	require.ErrorContains(t, err, "WATCHER_MODE")

	t.Setenv("WATCHER_MODE", "poll")
	t.Setenv("WATCHER_RETRY_POLICY", "sometimes")
	_, err = LoadWatcherConfig()
	require.ErrorContains(t, err, "WATCHER_RETRY_POLICY")

	t.Setenv("WATCHER_RETRY_POLICY", "never")
	t.Setenv("WATCHER_MARKETS", "sol-perp, perp-1")
	cfg, err := LoadWatcherConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"sol-perp", "perp-1"}, cfg.Markets)
	assert.Equal(t, "poll", cfg.Mode)
}

func TestEnvUint16ListRejectsOverflow(t *testing.T) {
	t.Setenv("TEST_SUB_ACCOUNTS", "1,70000")
	_, err := envUint16List("TEST_SUB_ACCOUNTS", nil)
	require.Error(t, err)
}
