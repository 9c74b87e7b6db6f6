package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/gemcap/gemcap/libs/log"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultGemcapDir = ".gemcap"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"
	defaultKeystoreName   = "keystore"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultKeystorePath   = filepath.Join(defaultDataDir, defaultKeystoreName)
)

// Config defines the top level configuration for gemcap
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for components
	Client          *ClientConfig          `mapstructure:"client"`
	Trust           *TrustConfig           `mapstructure:"trust"`
	Identity        *IdentityConfig        `mapstructure:"identity"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Client:          DefaultClientConfig(),
		Trust:           DefaultTrustConfig(),
		Identity:        DefaultIdentityConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Client:          TestClientConfig(),
		Trust:           TestTrustConfig(),
		Identity:        TestIdentityConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Identity.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Client.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [client] section: %w", err)
	}
	if err := cfg.Identity.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [identity] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend: goleveldb | memdb
	// * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
	//   - pure go
	//   - stable
	// * memdb
	//   - nothing is kept between runs
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		DBBackend: string(dbm.GoLevelDBBackend),
		DBPath:    defaultDataDir,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = string(dbm.MemDBBackend)
	cfg.LogLevel = log.LogLevelDebug
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log_format (must be 'plain' or 'json')")
	}
	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
	}
	switch dbm.BackendType(cfg.DBBackend) {
	case dbm.GoLevelDBBackend, dbm.MemDBBackend:
	default:
		return fmt.Errorf("unsupported db_backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel is the log level used unless configured otherwise.
const DefaultLogLevel = log.LogLevelInfo

//-----------------------------------------------------------------------------
// ClientConfig

// ClientConfig defines how requests are made.
type ClientConfig struct {
	// Page opened by "home".
	HomeURL string `mapstructure:"home_page"`

	// Dialing plus the TLS handshake must complete within this time.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// Sending the request and reading the response must complete within
	// this time.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// Consecutive redirects followed before giving up.
	MaxRedirects int `mapstructure:"max_redirects"`

	// Maximum size of a response in bytes.
	MaxResponseSize int64 `mapstructure:"max_response_size"`

	// Requests per second allowed per host. 0 disables pacing.
	HostRate float64 `mapstructure:"host_rate"`

	// Requests allowed in a burst per host.
	HostBurst int `mapstructure:"host_burst"`

	// Number of URLs fetched at once by "fetch".
	Concurrency int `mapstructure:"concurrency"`
}

// DefaultClientConfig returns a default configuration for the client.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		HomeURL:          "gemini://geminiprotocol.net/",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		MaxRedirects:     5,
		MaxResponseSize:  32 << 20,
		HostRate:         0,
		HostBurst:        4,
		Concurrency:      4,
	}
}

// TestClientConfig returns a configuration for testing the client.
func TestClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReadTimeout = 2 * time.Second
	return cfg
}

// HomePage returns the configured home page.
func (cfg *ClientConfig) HomePage() string {
	return cfg.HomeURL
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ClientConfig) ValidateBasic() error {
	if cfg.HandshakeTimeout <= 0 {
		return errors.New("handshake_timeout must be positive")
	}
	if cfg.ReadTimeout <= 0 {
		return errors.New("read_timeout must be positive")
	}
	if cfg.MaxRedirects < 0 {
		return errors.New("max_redirects can't be negative")
	}
	if cfg.MaxResponseSize <= 0 {
		return errors.New("max_response_size must be positive")
	}
	if cfg.HostRate < 0 {
		return errors.New("host_rate can't be negative")
	}
	if cfg.HostRate > 0 && cfg.HostBurst < 1 {
		return errors.New("host_burst must be at least 1 when host_rate is set")
	}
	if cfg.Concurrency < 1 {
		return errors.New("concurrency must be at least 1")
	}
	return nil
}

//-----------------------------------------------------------------------------
// TrustConfig

// TrustConfig defines how server certificates are trusted.
type TrustConfig struct {
	// When true, a changed certificate that chains to a system root is
	// accepted without asking.
	UseSystemRoots bool `mapstructure:"use_system_roots"`
}

// DefaultTrustConfig returns a default trust configuration.
func DefaultTrustConfig() *TrustConfig {
	return &TrustConfig{UseSystemRoots: true}
}

// TestTrustConfig returns a trust configuration for testing.
func TestTrustConfig() *TrustConfig {
	return &TrustConfig{UseSystemRoots: false}
}

//-----------------------------------------------------------------------------
// IdentityConfig

// IdentityConfig defines how client identities are generated and stored.
type IdentityConfig struct {
	RootDir string `mapstructure:"home"`

	// Validity of generated certificates, in years.
	ValidityYears int `mapstructure:"validity_years"`

	// Directory holding one PEM bundle per identity.
	KeystoreDir string `mapstructure:"keystore_dir"`

	// When set, private keys are sealed with a key derived from this
	// passphrase. Prefer the GEMCAP_IDENTITY_KEYSTORE_PASSPHRASE variable to
	// writing it here.
	KeystorePassphrase string `mapstructure:"keystore_passphrase"`
}

// DefaultIdentityConfig returns a default identity configuration.
func DefaultIdentityConfig() *IdentityConfig {
	return &IdentityConfig{
		ValidityYears: 1,
		KeystoreDir:   defaultKeystorePath,
	}
}

// TestIdentityConfig returns an identity configuration for testing.
func TestIdentityConfig() *IdentityConfig {
	return DefaultIdentityConfig()
}

// KeystorePath returns the full path to the keystore directory.
func (cfg *IdentityConfig) KeystorePath() string {
	return rootify(cfg.KeystoreDir, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *IdentityConfig) ValidateBasic() error {
	if cfg.ValidityYears < 1 {
		return errors.New("validity_years must be at least 1")
	}
	if cfg.KeystoreDir == "" {
		return errors.New("keystore_dir can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26670",
		Namespace:            "gemcap",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus_listen_addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
