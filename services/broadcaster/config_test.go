package broadcaster

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shieldrelay/core/chain"
	"shieldrelay/services/broadcaster/poi"
)

const (
	testViewingSeed = "0101010101010101010101010101010101010101010101010101010101010101"
	testWalletKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigYAMLAppliesDefaultsAndEnvSecrets(t *testing.T) {
	t.Setenv("TEST_VIEWING_KEY", testViewingSeed)
	t.Setenv("TEST_WALLET_KEY", testWalletKey)
	path := writeFile(t, "config.yaml", `
viewing_key_env: TEST_VIEWING_KEY
wallet_key_env: TEST_WALLET_KEY
fees:
  broadcast_interval: 20s
chains:
  - type: 0
    id: 137
    rpc_url: http://localhost:8545
    gas_type: eip1559
    tokens:
      - address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
        decimals: 6
        price: "1"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, testViewingSeed, cfg.ViewingKey)
	require.Equal(t, testWalletKey, cfg.WalletKey)
	require.Equal(t, 20*time.Second, cfg.Fees.BroadcastInterval.Duration)
	require.Equal(t, 5*time.Minute, cfg.Fees.QuoteTTL.Duration)
	require.Equal(t, int64(1_000), cfg.Fees.ProfitBps)
	require.Equal(t, poi.DefaultMaxAge, cfg.POI.MaxAge.Duration)
	require.Equal(t, []string{poi.DefaultTxidVersion}, cfg.POI.TxidVersions)
	require.Equal(t, "libp2p", cfg.Transport.Kind)
	require.Equal(t, chain.DefaultNamespace, cfg.Transport.Namespace)
	require.Equal(t, "5000000000", cfg.Chains[0].MaxRetryBuffer)
	require.Equal(t, chain.EVM(137), cfg.Chains[0].Chain())
}

func TestLoadConfigTOMLWithSecretFile(t *testing.T) {
	keyFile := writeFile(t, "viewing.key", testViewingSeed+"\n")
	path := writeFile(t, "config.toml", `
identifier = "relay-toml"
viewing_key_file = "`+keyFile+`"
wallet_key = "`+testWalletKey+`"

[transport]
kind = "memory"
poll_interval = "500ms"

[[chains]]
type = 0
id = 1
rpc_url = "http://localhost:8545"
gas_type = "legacy"

[[chains.tokens]]
address = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
decimals = 6
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "relay-toml", cfg.Identifier)
	require.Equal(t, testViewingSeed, cfg.ViewingKey)
	require.Equal(t, "memory", cfg.Transport.Kind)
	require.Equal(t, 500*time.Millisecond, cfg.Transport.PollInterval.Duration)
	require.Len(t, cfg.Chains, 1)
	require.Len(t, cfg.Chains[0].Tokens, 1)
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	path := writeFile(t, "config.yaml", "chains: []\n")
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "viewing_key is required")
}

func TestValidateConfigCollectsEveryProblem(t *testing.T) {
	cfg := Config{
		ViewingKey: testViewingSeed,
		WalletKey:  testWalletKey,
		Chains: []ChainConfig{
			{Type: 0, ID: 137, GasType: "turbo", RequirePOI: true, MinPriorityFee: "-1"},
			{Type: 0, ID: 137, RPCURL: "http://x", Tokens: []TokenConfig{{Address: "nope"}}},
		},
	}
	applyDefaults(&cfg)
	err := validateConfig(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"rpc_url required",
		`unknown gas type "turbo"`,
		"min_priority_fee",
		"configured twice",
		"at least one fee token",
		`token "nope" is not an address`,
		"requires poi but poi.node_url is empty",
	} {
		require.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	require.Equal(t, 90*time.Second, d.Duration)
}
