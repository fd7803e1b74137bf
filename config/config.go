package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"propertyescrow/core/genesis"
	"propertyescrow/crypto"
	"propertyescrow/native/escrow"
)

// Config is the on-disk configuration of an escrow node.
type Config struct {
	RPCAddress        string    `toml:"RPCAddress"`
	MetricsAddress    string    `toml:"MetricsAddress"`
	DataDir           string    `toml:"DataDir"`
	Env               string    `toml:"Env"`
	LogLevel          string    `toml:"LogLevel"`
	KeystoreDir       string    `toml:"KeystoreDir"`
	GenesisFile       string    `toml:"GenesisFile"`
	JWTSecret         string    `toml:"JWTSecret"`
	PausedModules     []string  `toml:"PausedModules"`
	EventLogPath      string    `toml:"EventLogPath"`
	NATSURL           string    `toml:"NATSURL"`
	NATSSubjectPrefix string    `toml:"NATSSubjectPrefix"`
	Roles             Roles     `toml:"Roles"`
	RateLimit         RateLimit `toml:"RateLimit"`
	Telemetry         Telemetry `toml:"Telemetry"`
	Alloc             []Alloc   `toml:"Alloc"`
	Seed              []Seed    `toml:"Seed"`
}

// Roles names the fixed escrow parties as bech32 addresses.
type Roles struct {
	Seller    string `toml:"Seller"`
	Inspector string `toml:"Inspector"`
	Lender    string `toml:"Lender"`
}

// RateLimit bounds JSON-RPC traffic per client.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
	// TrustProxyHeaders keys clients by X-Forwarded-For from any peer.
	TrustProxyHeaders bool     `toml:"TrustProxyHeaders"`
	TrustedProxies    []string `toml:"TrustedProxies"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
}

// Alloc credits a balance at genesis.
type Alloc struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Seed mints and lists a title at genesis.
type Seed struct {
	URI           string `toml:"URI"`
	Buyer         string `toml:"Buyer"`
	PurchasePrice string `toml:"PurchasePrice"`
	EscrowAmount  string `toml:"EscrowAmount"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a freshly generated default.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.NATSSubjectPrefix) == "" {
		c.NATSSubjectPrefix = "propertyescrow"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
}

// Validate checks the role assignment, the JWT secret, rate limits and the
// genesis entries.
func (c *Config) Validate() error {
	if _, err := c.EscrowRoles(); err != nil {
		return err
	}
	if len(strings.TrimSpace(c.JWTSecret)) < 16 {
		return fmt.Errorf("JWTSecret must be at least 16 characters")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("RateLimit values must not be negative")
	}
	for _, module := range c.PausedModules {
		switch strings.ToLower(strings.TrimSpace(module)) {
		case "escrow", "title":
		default:
			return fmt.Errorf("PausedModules: unknown module %q", module)
		}
	}
	if strings.TrimSpace(c.GenesisFile) == "" {
		return c.inlineGenesis().Validate()
	}
	return nil
}

// EscrowRoles decodes the configured role addresses.
func (c *Config) EscrowRoles() (escrow.Roles, error) {
	var roles escrow.Roles
	var err error
	if roles.Seller, err = crypto.ParseRaw(c.Roles.Seller); err != nil {
		return escrow.Roles{}, fmt.Errorf("Roles.Seller: %w", err)
	}
	if roles.Inspector, err = crypto.ParseRaw(c.Roles.Inspector); err != nil {
		return escrow.Roles{}, fmt.Errorf("Roles.Inspector: %w", err)
	}
	if roles.Lender, err = crypto.ParseRaw(c.Roles.Lender); err != nil {
		return escrow.Roles{}, fmt.Errorf("Roles.Lender: %w", err)
	}
	if err := roles.Validate(); err != nil {
		return escrow.Roles{}, err
	}
	return roles, nil
}

// GenesisSpec returns the genesis document: the GenesisFile when set,
// followed by any inline [[Alloc]] and [[Seed]] tables.
func (c *Config) GenesisSpec() (*genesis.Spec, error) {
	spec := &genesis.Spec{}
	if path := strings.TrimSpace(c.GenesisFile); path != "" {
		loaded, err := genesis.LoadSpec(path)
		if err != nil {
			return nil, err
		}
		spec = loaded
	}
	inline := c.inlineGenesis()
	spec.Alloc = append(spec.Alloc, inline.Alloc...)
	spec.Seeds = append(spec.Seeds, inline.Seeds...)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func (c *Config) inlineGenesis() *genesis.Spec {
	spec := &genesis.Spec{}
	for _, alloc := range c.Alloc {
		spec.Alloc = append(spec.Alloc, genesis.AllocSpec{Address: alloc.Address, Balance: alloc.Balance})
	}
	for _, seed := range c.Seed {
		spec.Seeds = append(spec.Seeds, genesis.SeedSpec{
			URI:           seed.URI,
			Buyer:         seed.Buyer,
			PurchasePrice: seed.PurchasePrice,
			EscrowAmount:  seed.EscrowAmount,
		})
	}
	return spec
}

// RoleKeystorePath returns where createDefault stores the key for role.
func (c *Config) RoleKeystorePath(role string) string {
	return filepath.Join(c.KeystoreDir, strings.ToLower(role)+".keystore")
}

// LoadRoleKey decrypts the keystore for role ("seller", "inspector" or
// "lender") and checks it against the configured role address.
func (c *Config) LoadRoleKey(role, passphrase string) (*crypto.PrivateKey, error) {
	roles, err := c.EscrowRoles()
	if err != nil {
		return nil, err
	}
	var expected [20]byte
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "seller":
		expected = roles.Seller
	case "inspector":
		expected = roles.Inspector
	case "lender":
		expected = roles.Lender
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return crypto.LoadRoleKey(role, c.RoleKeystorePath(role), passphrase, expected)
}

// createDefault creates and saves a default configuration file. A key is
// generated for every role and written to an unencrypted-passphrase
// keystore next to the config so a local node is usable immediately.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:     ":8080",
		MetricsAddress: ":9090",
		DataDir:        "./escrow-data",
		Env:            "local",
		LogLevel:       "info",
		KeystoreDir:    filepath.Join(filepath.Dir(path), "keys"),
		JWTSecret:      hex.EncodeToString(secret),
		PausedModules:  []string{},
		EventLogPath:   "",
		RateLimit:      RateLimit{RequestsPerSecond: 20, Burst: 40},
		Telemetry:      Telemetry{Endpoint: "localhost:4318", Insecure: true},
	}
	cfg.applyDefaults()

	addresses := make(map[string]string, 3)
	for _, role := range []string{"seller", "inspector", "lender"} {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveToKeystore(cfg.RoleKeystorePath(role), key, ""); err != nil {
			return nil, fmt.Errorf("%s keystore: %w", role, err)
		}
		addresses[role] = key.PubKey().Address().String()
	}
	cfg.Roles = Roles{Seller: addresses["seller"], Inspector: addresses["inspector"], Lender: addresses["lender"]}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
