package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fleetrelay/crypto"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration to support human readable TOML values.
type Duration struct {
	time.Duration
}

// UnmarshalText parses strings such as "90s" or "1h30m".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration back to its string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// FeeTier mirrors one step of the escalation schedule. Amounts are decimal
// wei strings so operators can paste exact values.
type FeeTier struct {
	DelayThreshold       Duration `toml:"DelayThreshold"`
	MaxFeePerGas         string   `toml:"MaxFeePerGas"`
	MaxPriorityFeePerGas string   `toml:"MaxPriorityFeePerGas"`
}

// Config captures the runtime configuration for fleetrelayd.
type Config struct {
	ListenAddress       string `toml:"ListenAddress"`
	DataDir             string `toml:"DataDir"`
	Env                 string `toml:"Env"`
	EthRPCURL           string `toml:"EthRPCURL"`
	ChainID             int64  `toml:"ChainID"`
	GameContract        string `toml:"GameContract"`
	FundingContract     string `toml:"FundingContract"`
	FundingStartBlock   uint64 `toml:"FundingStartBlock"`
	SignerKeystorePath  string `toml:"SignerKeystorePath"`
	SignerPassphrase    string `toml:"SignerPassphrase"`
	SignerPassphraseEnv string `toml:"SignerPassphraseEnv"`

	FinalityDepth       uint64   `toml:"FinalityDepth"`
	ResolveWindow       Duration `toml:"ResolveWindow"`
	FinalityMargin      Duration `toml:"FinalityMargin"`
	RetryCeiling        int      `toml:"RetryCeiling"`
	RetryBackoffCeiling Duration `toml:"RetryBackoffCeiling"`
	ScanLimit           int      `toml:"ScanLimit"`
	GasLimitEstimate    uint64   `toml:"GasLimitEstimate"`
	SafetyMarginWei     string   `toml:"SafetyMarginWei"`
	WithdrawalWindow    Duration `toml:"WithdrawalWindow"`
	MinBlockTime        Duration `toml:"MinBlockTime"`

	SchedulerInterval Duration `toml:"SchedulerInterval"`
	MonitorInterval   Duration `toml:"MonitorInterval"`
	SyncInterval      Duration `toml:"SyncInterval"`

	DefaultFeeSchedule []FeeTier `toml:"DefaultFeeSchedule"`
}

// Load loads the configuration from the given path, creating a commented
// default alongside a fresh signer keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if cfg.SignerKeystorePath == "" {
		cfg.SignerKeystorePath = defaultKeystorePath(path)
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SignerKey loads (or on first run creates) the relay signing key referenced
// by the configuration.
func (c *Config) SignerKey() (*crypto.PrivateKey, error) {
	passphrase := c.SignerPassphrase
	if env := strings.TrimSpace(c.SignerPassphraseEnv); env != "" {
		passphrase = os.Getenv(env)
	}
	return crypto.EnsureKeystore(c.SignerKeystorePath, passphrase)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8551"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./fleetrelay-data"
	}
	if cfg.FinalityDepth == 0 {
		cfg.FinalityDepth = 12
	}
	if cfg.ResolveWindow.Duration == 0 {
		cfg.ResolveWindow.Duration = time.Hour
	}
	if cfg.FinalityMargin.Duration == 0 {
		cfg.FinalityMargin.Duration = 15 * time.Minute
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 10
	}
	if cfg.RetryBackoffCeiling.Duration == 0 {
		cfg.RetryBackoffCeiling.Duration = 5 * time.Minute
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 25
	}
	if cfg.GasLimitEstimate == 0 {
		cfg.GasLimitEstimate = 1_000_000
	}
	if cfg.SafetyMarginWei == "" {
		cfg.SafetyMarginWei = "100000000000000"
	}
	if cfg.WithdrawalWindow.Duration == 0 {
		cfg.WithdrawalWindow.Duration = 7 * 24 * time.Hour
	}
	if cfg.MinBlockTime.Duration == 0 {
		cfg.MinBlockTime.Duration = 12 * time.Second
	}
	if cfg.SchedulerInterval.Duration == 0 {
		cfg.SchedulerInterval.Duration = 5 * time.Second
	}
	if cfg.MonitorInterval.Duration == 0 {
		cfg.MonitorInterval.Duration = 10 * time.Second
	}
	if cfg.SyncInterval.Duration == 0 {
		cfg.SyncInterval.Duration = 30 * time.Second
	}
	if len(cfg.DefaultFeeSchedule) == 0 {
		cfg.DefaultFeeSchedule = []FeeTier{
			{DelayThreshold: Duration{0}, MaxFeePerGas: "50000000000", MaxPriorityFeePerGas: "1000000000"},
			{DelayThreshold: Duration{5 * time.Minute}, MaxFeePerGas: "100000000000", MaxPriorityFeePerGas: "2000000000"},
			{DelayThreshold: Duration{30 * time.Minute}, MaxFeePerGas: "200000000000", MaxPriorityFeePerGas: "5000000000"},
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.EthRPCURL) == "" {
		return fmt.Errorf("config: EthRPCURL must be configured")
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("config: ChainID must be positive")
	}
	if _, err := crypto.ParseAddress(cfg.GameContract); err != nil {
		return fmt.Errorf("config: GameContract: %w", err)
	}
	if _, err := crypto.ParseAddress(cfg.FundingContract); err != nil {
		return fmt.Errorf("config: FundingContract: %w", err)
	}
	if len(cfg.DefaultFeeSchedule) != 3 {
		return fmt.Errorf("config: DefaultFeeSchedule must have exactly 3 tiers")
	}
	if cfg.DefaultFeeSchedule[0].DelayThreshold.Duration != 0 {
		return fmt.Errorf("config: first fee tier threshold must be zero")
	}
	for i, tier := range cfg.DefaultFeeSchedule {
		if i > 0 && tier.DelayThreshold.Duration <= cfg.DefaultFeeSchedule[i-1].DelayThreshold.Duration {
			return fmt.Errorf("config: fee tier thresholds must be strictly ascending")
		}
		if _, ok := new(big.Int).SetString(tier.MaxFeePerGas, 10); !ok {
			return fmt.Errorf("config: fee tier %d: invalid MaxFeePerGas %q", i, tier.MaxFeePerGas)
		}
		if _, ok := new(big.Int).SetString(tier.MaxPriorityFeePerGas, 10); !ok {
			return fmt.Errorf("config: fee tier %d: invalid MaxPriorityFeePerGas %q", i, tier.MaxPriorityFeePerGas)
		}
	}
	if _, ok := new(big.Int).SetString(cfg.SafetyMarginWei, 10); !ok {
		return fmt.Errorf("config: invalid SafetyMarginWei %q", cfg.SafetyMarginWei)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		EthRPCURL:       "http://127.0.0.1:8545",
		ChainID:         1337,
		GameContract:    "0x0000000000000000000000000000000000000000",
		FundingContract: "0x0000000000000000000000000000000000000000",
	}
	applyDefaults(cfg)
	cfg.SignerKeystorePath = defaultKeystorePath(path)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(cfg.SignerKeystorePath, key, ""); err != nil {
		return nil, err
	}
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
	return filepath.Join(dir, "relay.keystore")
}
