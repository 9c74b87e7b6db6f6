package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/creachadair/atomicfile"

	gcos "github.com/gemcap/gemcap/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := gcos.EnsureDir(rootDir, defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := gcos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := gcos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
}

// ConfigFilePath returns the path of config.toml under rootDir.
func ConfigFilePath(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
// This function is called by cmd/gemcap/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFilePath(rootDir))
}

// WriteConfigFileIfNone writes the default config unless a config file
// already exists. It reports whether a file was written.
func WriteConfigFileIfNone(rootDir string) (bool, error) {
	if gcos.FileExists(ConfigFilePath(rootDir)) {
		return false, nil
	}
	return true, WriteConfigFile(rootDir, DefaultConfig())
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	_, err := atomicfile.WriteAll(path, &buffer, 0600)
	return err
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/gemcap/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.gemcap" by default, but could be changed via $GEMCAP_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Database backend: goleveldb | memdb
# * goleveldb (github.com/syndtr/goleveldb - most popular implementation)
#   - pure go
#   - stable
# * memdb
#   - nothing is kept between runs
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###       Client Configuration Options              ###
#######################################################
[client]

# Page opened by the "home" command
home_page = "{{ js .Client.HomeURL }}"

# Dialing plus the TLS handshake must complete within this time
handshake_timeout = "{{ .Client.HandshakeTimeout }}"

# Sending the request and reading the response must complete within this time
read_timeout = "{{ .Client.ReadTimeout }}"

# Consecutive redirects followed before giving up
max_redirects = {{ .Client.MaxRedirects }}

# Maximum size of a response in bytes
max_response_size = {{ .Client.MaxResponseSize }}

# Requests per second allowed per host. 0 disables pacing
host_rate = {{ printf "%g" .Client.HostRate }}

# Requests allowed in a burst per host
host_burst = {{ .Client.HostBurst }}

# Number of URLs fetched at once by the "fetch" command
concurrency = {{ .Client.Concurrency }}

#######################################################
###       Trust Configuration Options               ###
#######################################################
[trust]

# When true, a changed certificate that chains to a system root is
# accepted without asking
use_system_roots = {{ .Trust.UseSystemRoots }}

#######################################################
###       Identity Configuration Options            ###
#######################################################
[identity]

# Validity of generated certificates, in years
validity_years = {{ .Identity.ValidityYears }}

# Directory holding one PEM bundle per identity
keystore_dir = "{{ js .Identity.KeystoreDir }}"

# When set, private keys are sealed with a key derived from this passphrase.
# Prefer the GEMCAP_IDENTITY_KEYSTORE_PASSPHRASE environment variable.
keystore_passphrase = "{{ js .Identity.KeystorePassphrase }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot writes a test config under a fresh temporary directory and
// returns it with its root set.
func ResetTestRoot(testName string) (*Config, error) {
	rootDir, err := os.MkdirTemp("", testName)
	if err != nil {
		return nil, err
	}
	EnsureRoot(rootDir)

	cfg := TestConfig().SetRoot(rootDir)
	if err := WriteConfigFile(rootDir, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
