package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
chain:
  token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, EnvDevelopment, cfg.Environment)
	require.Equal(t, ":8000", cfg.ListenAddress)
	require.Equal(t, PaymentModeSimple, cfg.Payment.Mode)
	require.Equal(t, 5*time.Minute, cfg.Payment.MaxAge.Duration)
	require.Equal(t, time.Hour, cfg.Payment.NonceRetention.Duration)
	require.Equal(t, int64(84532), cfg.Chain.ChainID)
	require.Equal(t, int64(100), cfg.Chain.MaxGasPriceGwei)
	require.Equal(t, 3, cfg.Chain.MaxRetries)
	require.Equal(t, 2*time.Minute, cfg.Chain.ConfirmationTimeout.Duration)
	require.Equal(t, uint64(100), cfg.Insurance.PremiumBps)
	require.Equal(t, 1.5, cfg.Reserve.MinRatio)
	require.Equal(t, "data/nonces.db", cfg.Payment.NoncePath)
	require.Equal(t, "data/insurance.db", cfg.Storage.Path)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
payment:
  max_age: "90s"
  nonce_retention: "6h"
chain:
  token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  confirmation_timeout: "45s"
`))
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Payment.MaxAge.Duration)
	require.Equal(t, 6*time.Hour, cfg.Payment.NonceRetention.Duration)
	require.Equal(t, 45*time.Second, cfg.Chain.ConfirmationTimeout.Duration)
}

func TestLoadRejectsRetentionBelowMaxAge(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
payment:
  max_age: "2h"
  nonce_retention: "1h"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "nonce_retention")
}

func TestLoadRejectsMissingTokenAddress(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment: development
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "token_address")
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
environment: staging
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown environment")
}

func TestLoadRejectsLowMinRatio(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
reserve:
  min_ratio: 0.9
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "min_ratio")
}

func TestProductionRequiresFullStack(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
environment: production
payment:
  mode: simple
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "payment mode")

	_, err = Load(writeConfig(t, minimalConfig+`
environment: production
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "rpc_url")
}

func TestProductionAcceptsCompleteConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment: production
chain:
  rpc_url: "https://sepolia.base.org"
  token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  backend_address: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
  wallet_key: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
`))
	require.NoError(t, err)
	require.Equal(t, PaymentModeFull, cfg.Payment.Mode)
}

func TestWalletKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_WALLET_KEY", "  deadbeef  ")
	cfg, err := Load(writeConfig(t, `
chain:
  token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  wallet_key_env: TEST_WALLET_KEY
`))
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cfg.Chain.WalletKey)
}

func TestWalletKeyFromFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "wallet.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("cafebabe\n"), 0o600))
	cfg, err := Load(writeConfig(t, `
chain:
  token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  wallet_key_file: `+keyFile+`
`))
	require.NoError(t, err)
	require.Equal(t, "cafebabe", cfg.Chain.WalletKey)
}

func TestWalletKeyEnvMissingFails(t *testing.T) {
	_, err := Load(writeConfig(t, `
chain:
  token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
  wallet_key_env: TEST_WALLET_KEY_UNSET
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "wallet_key_env")
}
