package vaultd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"treasuryvault/storage"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	path := writeConfig(t, "vaultd.yaml", `
asset:
  code: usdc
  decimals: 6
creator: "0x00000000000000000000000000000000000000a1"
auth:
  hs_secret: "s3cret"
  leeway: "5s"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":7090", cfg.ListenAddress)
	require.Equal(t, storage.DriverSQLite, cfg.Storage.Driver)
	require.Equal(t, "vaultd.db", cfg.Storage.DSN)
	require.Equal(t, WalletModeBook, cfg.Wallet.Mode)
	require.Equal(t, 5*time.Second, cfg.Auth.Leeway.Duration)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout.Duration)
	require.Equal(t, 64, cfg.Stream.Buffer)

	genesis := cfg.Genesis()
	require.Equal(t, "usdc", genesis.Asset.Code)
	require.Equal(t, common.HexToAddress("0xa1"), genesis.Creator)
}

func TestLoadConfigTOML(t *testing.T) {
	t.Setenv("VAULTD_TEST_SECRET", "from-env")
	path := writeConfig(t, "vaultd.toml", `
listen = ":9000"
creator = "0x00000000000000000000000000000000000000a1"
shutdown_timeout = "2s"

[asset]
code = "EURC"

[storage]
driver = "memory"

[auth]
hs_secret_env = "VAULTD_TEST_SECRET"
audience = ["vaultd"]

[rate_limit]
requests_per_minute = 60
burst = 5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "from-env", cfg.Auth.HSSecret)
	require.Equal(t, []string{"vaultd"}, cfg.Auth.Audience)
	require.Equal(t, storage.DriverMemory, cfg.Storage.Driver)
	require.Equal(t, 2*time.Second, cfg.ShutdownTimeout.Duration)
	require.Equal(t, 5, cfg.RateLimit.Burst)
}

func TestLoadConfigSecretFile(t *testing.T) {
	secretPath := writeConfig(t, "secret", "  file-secret \n")
	path := writeConfig(t, "vaultd.yaml", `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth:
  hs_secret_file: "`+secretPath+`"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "file-secret", cfg.Auth.HSSecret)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing asset": `
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x}
`,
		"zero creator": `
asset: {code: USDC}
creator: "0x0000000000000000000000000000000000000000"
auth: {hs_secret: x}
`,
		"missing secret": `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
`,
		"evm without endpoint": `
asset: {code: USDC, token: "0x00000000000000000000000000000000000000f1"}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x}
wallet: {mode: evm, chain_id: 1, signer_key: "aa"}
`,
		"evm treasury not an address": `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x}
wallet: {mode: evm, endpoint: "http://127.0.0.1:8545", chain_id: 1, signer_key: "aa", treasury: "vault"}
`,
		"unknown wallet": `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x}
wallet: {mode: hsm}
`,
		"unknown field": `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x}
paused: true
`,
		"bad duration": `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x, leeway: soon}
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "vaultd.yaml", contents))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigTreasuryReplacesToken(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "vaultd.yaml", `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret: x}
wallet: {mode: evm, endpoint: "http://127.0.0.1:8545", chain_id: 1, signer_key: "aa", treasury: "0x00000000000000000000000000000000000000f2"}
`))
	require.NoError(t, err)
	require.Equal(t, "0x00000000000000000000000000000000000000f2", cfg.Wallet.Treasury)
}

func TestLoadConfigMissingEnvSecret(t *testing.T) {
	path := writeConfig(t, "vaultd.yaml", `
asset: {code: USDC}
creator: "0x00000000000000000000000000000000000000a1"
auth: {hs_secret_env: VAULTD_UNSET_SECRET_FOR_TEST}
`)
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "VAULTD_UNSET_SECRET_FOR_TEST")
}
