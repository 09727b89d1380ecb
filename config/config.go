package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vaultlend/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the engine-level configuration persisted as TOML next to the
// ledger data directory.
type Config struct {
	DataDir           string  `toml:"DataDir"`
	StorageBackend    string  `toml:"StorageBackend"`
	OwnerKeystorePath string  `toml:"OwnerKeystorePath"`
	Lending           Lending `toml:"lending"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by a freshly generated default including an owner keystore.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 2 && undecoded[0] == "lending" && undecoded[1] == "Heartbeat" {
			return nil, fmt.Errorf("config file %s uses Heartbeat; set HeartbeatSeconds instead", path)
		}
	}

	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./vaultlend-data"
	}
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	if c.StorageBackend == "" {
		c.StorageBackend = BackendLevelDB
	}
	if strings.TrimSpace(c.Lending.Custody) == "" {
		c.Lending.Custody = crypto.ModuleAddress(DefaultCustodyModule).String()
	}
	if c.Lending.GramsPerOunceE4 == 0 {
		c.Lending.GramsPerOunceE4 = DefaultLending().GramsPerOunceE4
	}
	if c.Lending.LTVPercent == 0 {
		c.Lending.LTVPercent = DefaultLending().LTVPercent
	}
	if c.Lending.MaxInterestRateBps == 0 {
		c.Lending.MaxInterestRateBps = DefaultLending().MaxInterestRateBps
	}
	if c.Lending.HeartbeatSeconds == 0 {
		c.Lending.HeartbeatSeconds = DefaultLending().HeartbeatSeconds
	}
}

// Default returns the configuration written by createDefault, minus the
// owner which is always generated.
func Default() *Config {
	return &Config{
		DataDir:        "./vaultlend-data",
		StorageBackend: BackendLevelDB,
		Lending:        DefaultLending(),
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.OwnerKeystorePath = keystorePath
	cfg.Lending.Owner = key.PubKey().Address().String()

	if err := Write(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Write persists cfg to path, creating parent directories as needed.
func Write(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
