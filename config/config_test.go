package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"propertyescrow/crypto"
)

func testAddress(fill byte) string {
	return crypto.NewAddress(crypto.PropPrefix, bytes.Repeat([]byte{fill}, 20)).String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func baseConfig() string {
	return fmt.Sprintf(`RPCAddress = "127.0.0.1:9000"
DataDir = "./data"
Env = "test"
JWTSecret = "0123456789abcdef0123"
PausedModules = ["escrow"]
NATSURL = "nats://127.0.0.1:4222"

[Roles]
Seller = "%s"
Inspector = "%s"
Lender = "%s"

[RateLimit]
RequestsPerSecond = 5.5
Burst = 10

[Telemetry]
Endpoint = "otel:4318"
Traces = true

[[Alloc]]
Address = "%s"
Balance = "100"

[[Seed]]
URI = "https://ipfs.io/ipfs/QmQVcpsjrA6cr1iJjZAodYwmPekYgbnXGo4DFubJiLc2EB/1.json"
Buyer = "%s"
PurchasePrice = "20"
EscrowAmount = "10"
`, testAddress(0x01), testAddress(0x03), testAddress(0x04), testAddress(0x02), testAddress(0x02))
}

func TestLoadParsesFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig()))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.RPCAddress)
	require.Equal(t, "test", cfg.Env)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "propertyescrow", cfg.NATSSubjectPrefix)
	require.Equal(t, []string{"escrow"}, cfg.PausedModules)
	require.Equal(t, 5.5, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, 10, cfg.RateLimit.Burst)
	require.True(t, cfg.Telemetry.Traces)

	roles, err := cfg.EscrowRoles()
	require.NoError(t, err)
	require.Equal(t, byte(0x01), roles.Seller[0])
	require.Equal(t, byte(0x04), roles.Lender[0])

	spec, err := cfg.GenesisSpec()
	require.NoError(t, err)
	require.Len(t, spec.Alloc, 1)
	require.Len(t, spec.Seeds, 1)
	require.Equal(t, "20", spec.Seeds[0].PurchasePrice)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"duplicate role": fmt.Sprintf(`JWTSecret = "0123456789abcdef0123"
[Roles]
Seller = "%[1]s"
Inspector = "%[1]s"
Lender = "%[2]s"
`, testAddress(0x01), testAddress(0x04)),
		"short secret": fmt.Sprintf(`JWTSecret = "short"
[Roles]
Seller = "%s"
Inspector = "%s"
Lender = "%s"
`, testAddress(0x01), testAddress(0x03), testAddress(0x04)),
		"unknown pause": fmt.Sprintf(`JWTSecret = "0123456789abcdef0123"
PausedModules = ["lending"]
[Roles]
Seller = "%s"
Inspector = "%s"
Lender = "%s"
`, testAddress(0x01), testAddress(0x03), testAddress(0x04)),
		"bad alloc": fmt.Sprintf(`JWTSecret = "0123456789abcdef0123"
[Roles]
Seller = "%s"
Inspector = "%s"
Lender = "%s"
[[Alloc]]
Address = "%s"
Balance = "ten"
`, testAddress(0x01), testAddress(0x03), testAddress(0x04), testAddress(0x02)),
		"missing roles": `JWTSecret = "0123456789abcdef0123"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.FileExists(t, path)

	roles, err := cfg.EscrowRoles()
	require.NoError(t, err)
	key, err := cfg.LoadRoleKey("seller", "")
	require.NoError(t, err)
	require.Equal(t, roles.Seller, key.PubKey().Address().Raw())

	// Keys are checked against the role they are loaded for.
	swapped := *cfg
	swapped.Roles.Seller = cfg.Roles.Lender
	_, err = swapped.LoadRoleKey("seller", "")
	require.ErrorIs(t, err, crypto.ErrRoleMismatch)
	_, err = cfg.LoadRoleKey("buyer", "")
	require.Error(t, err)

	// A second load reads the persisted file instead of regenerating keys.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Roles, again.Roles)
	require.Equal(t, cfg.JWTSecret, again.JWTSecret)
}

func TestCreateDefaultKeepsExistingRoleKeystores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)

	// Losing the config must not let a fresh default clobber the role keys.
	require.NoError(t, os.Remove(path))
	_, err = Load(path)
	require.ErrorIs(t, err, crypto.ErrKeystoreExists)

	key, err := crypto.LoadFromKeystore(cfg.RoleKeystorePath("seller"), "")
	require.NoError(t, err)
	roles, err := cfg.EscrowRoles()
	require.NoError(t, err)
	require.Equal(t, roles.Seller, key.PubKey().Address().Raw())
}
