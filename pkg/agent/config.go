package agent

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

// Config holds node configuration. It is loaded from YAML and overlaid with
// command line flags.
type Config struct {
	DataDir     string   `yaml:"datadir"`
	Nickname    string   `yaml:"nickname"`
	Transport   string   `yaml:"transport"`    // tcp or quic
	ListenAddr  string   `yaml:"listen-addr"`  // host:port
	ExternalIP  string   `yaml:"external-ip"`  // advertised in the node record
	Bootnodes   []string `yaml:"bootnodes"`    // enr: or enode: URLs
	ControlAddr string   `yaml:"control-addr"` // empty disables the control API
	MetricsAddr string   `yaml:"metrics-addr"` // empty disables /metrics

	ChainID uint16 `yaml:"chain-id"`
	// Radius is a hex uint256; empty means store everything
	Radius string `yaml:"radius"`

	CacheSize       int           `yaml:"cache-size"`
	RequestTimeout  time.Duration `yaml:"request-timeout"`
	LookupTimeout   time.Duration `yaml:"lookup-timeout"`
	RefreshInterval time.Duration `yaml:"refresh-interval"`

	// RateLimit is the burst of inbound requests allowed per peer
	RateLimit int `yaml:"rate-limit"`
}

// DefaultConfig returns the configuration of a mainnet node under
// ~/.histnet
func DefaultConfig() *Config {
	dataDir := ".histnet"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".histnet")
	}
	return &Config{
		DataDir:         dataDir,
		Transport:       "quic",
		ListenAddr:      "0.0.0.0:9009",
		ControlAddr:     constants.DefaultControlAddr,
		ChainID:         constants.MainnetChainID,
		CacheSize:       constants.ContentCacheSize,
		RequestTimeout:  constants.RequestTimeout,
		LookupTimeout:   constants.LookupTimeout,
		RefreshInterval: constants.RefreshInterval,
		RateLimit:       100,
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values a node cannot start without
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("datadir is required")
	}
	switch c.Transport {
	case "tcp", "quic":
	default:
		return errors.Errorf("unknown transport %q", c.Transport)
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if _, err := c.StorageRadius(); err != nil {
		return err
	}
	return nil
}

// StorageRadius parses Radius. It returns nil for the protocol default.
func (c *Config) StorageRadius() (*uint256.Int, error) {
	if c.Radius == "" {
		return nil, nil
	}
	b, err := hexutil.DecodeBig(c.Radius)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid radius %q", c.Radius)
	}
	r, overflow := uint256.FromBig(b)
	if overflow {
		return nil, errors.Errorf("radius %q exceeds 256 bits", c.Radius)
	}
	return r, nil
}

// KeyFile is the path of the node key
func (c *Config) KeyFile() string {
	return filepath.Join(c.DataDir, "nodekey")
}

// PeersFile is the path of the saved peer table
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, "peers.cbor")
}

// DatabaseDir is the directory of the content database
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, "db")
}
