package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// tlsCfg holds TLS configuration for registry access
type tlsCfg struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// RegistryConfig configures the pull client for access to one upstream registry.
// Base images are always pulled anonymously so there is no auth here.
type RegistryConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Scheme      string `yaml:"scheme"`
	Tls         tlsCfg `yaml:"tls"`
}

// RegistryOpts is the result of resolving a RegistryConfig
type RegistryOpts struct {
	Scheme string
	TlsCfg *tls.Config
}

// JreConfig configures the jre sub-command
type JreConfig struct {
	JavaHome   string `yaml:"javaHome"`
	ModulePath string `yaml:"modulePath"`
	Module     string `yaml:"module"`
	OutDir     string `yaml:"outDir"`
}

// Configuration represents the totality of configuration knobs and dials for the builder.
type Configuration struct {
	LogLevel       string           `yaml:"logLevel"`
	LogFile        string           `yaml:"logFile"`
	ConfigFile     string           `yaml:"configFile"`
	RuntimeDir     string           `yaml:"runtimeDir"`
	AppDir         string           `yaml:"appDir"`
	Module         string           `yaml:"module"`
	MainClass      string           `yaml:"mainClass"`
	OutDir         string           `yaml:"outDir"`
	BaseImage      string           `yaml:"baseImage"`
	Tag            string           `yaml:"tag"`
	Os             string           `yaml:"os"`
	Arch           string           `yaml:"arch"`
	PullTimeout    time.Duration    `yaml:"pullTimeout"`
	CacheDir       string           `yaml:"cacheDir"`
	MetricsFile    string           `yaml:"metricsFile"`
	Concurrent     bool             `yaml:"concurrent"`
	KeepBaseLayers bool             `yaml:"keepBaseLayers"`
	Progress       bool             `yaml:"progress"`
	Force          bool             `yaml:"force"`
	Registries     []RegistryConfig `yaml:"registries"`
	JreConfig      JreConfig        `yaml:"jreConfig"`
}

// FromCmdLine has a flag for every command-line option. The parsing code
// sets the flag to true if the option was explicitly provided on the command
// line by the user.
type FromCmdLine struct {
	Command        string
	LogLevel       bool
	LogFile        bool
	ConfigFile     bool
	RuntimeDir     bool
	AppDir         bool
	Module         bool
	MainClass      bool
	OutDir         bool
	BaseImage      bool
	Tag            bool
	Os             bool
	Arch           bool
	PullTimeout    bool
	CacheDir       bool
	MetricsFile    bool
	Concurrent     bool
	KeepBaseLayers bool
	Progress       bool
	Force          bool
	JreConfig      bool
}

var (
	config   Configuration
	emptyTls = tlsCfg{}
	// resolved holds RegistryOpts already computed by ConfigFor, by registry name
	resolved = map[string]RegistryOpts{}
	mu       sync.Mutex
)

func GetLogLevel() string {
	return config.LogLevel
}

func GetLogFile() string {
	return config.LogFile
}

func GetConfigFile() string {
	return config.ConfigFile
}

func GetOutDir() string {
	return config.OutDir
}

func GetBaseImage() string {
	return config.BaseImage
}

func GetOs() string {
	return config.Os
}

func GetArch() string {
	return config.Arch
}

func GetPullTimeout() time.Duration {
	return config.PullTimeout
}

func GetCacheDir() string {
	return config.CacheDir
}

func GetMetricsFile() string {
	return config.MetricsFile
}

func GetRegistries() []RegistryConfig {
	return config.Registries
}

func GetJreConfig() JreConfig {
	return config.JreConfig
}

// Load loads the passed configuration file into the configuration struct
func Load(configFile string) error {
	if _, err := os.Stat(configFile); err != nil {
		return fmt.Errorf("unable to stat configuration file: %s", configFile)
	}
	if contents, err := os.ReadFile(configFile); err != nil {
		return fmt.Errorf("error reading configuration file: %s", configFile)
	} else if err := SetConfigFromStr(contents); err != nil {
		return fmt.Errorf("error parsing configuration file: %s, the error was: %s", configFile, err)
	}
	return nil
}

// Get gets the current configuration
func Get() Configuration {
	return config
}

// Set replaces the configuration with the passed configuration
func Set(cfg Configuration) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	resolved = map[string]RegistryOpts{}
}

// SetConfigFromStr parses the yaml input and sets the configuration from it
func SetConfigFromStr(configBytes []byte) error {
	var cfg Configuration
	if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
		return err
	}
	Set(cfg)
	return nil
}

// ConfigFor looks for a configuration entry keyed by the passed 'registry' arg (e.g.
// 'gcr.io') and returns the options to access that registry. If no matching config
// is found, then https with the system trust store is returned.
//
// Since the config might involve loading certs, the result is saved for reuse so it
// doesn't need to be re-parsed.
func ConfigFor(registry string) (RegistryOpts, error) {
	mu.Lock()
	defer mu.Unlock()
	if opts, ok := resolved[registry]; ok {
		return opts, nil
	}
	opts := RegistryOpts{Scheme: "https"}

	found := RegistryConfig{}
	for _, reg := range config.Registries {
		if reg.Name == registry {
			found = reg
			break
		}
	}
	if found == (RegistryConfig{}) {
		return opts, nil
	}
	if found.Scheme != "" {
		opts.Scheme = found.Scheme
	}
	if found.Tls != emptyTls {
		var cp *x509.CertPool
		clientCerts := []tls.Certificate{}
		if found.Tls.CA != "" {
			caCert, err := os.ReadFile(found.Tls.CA)
			if err != nil {
				return opts, fmt.Errorf("unable to load CA for config entry %s from file: %s", registry, found.Tls.CA)
			}
			cp = x509.NewCertPool()
			if !cp.AppendCertsFromPEM(caCert) {
				return opts, fmt.Errorf("no certificates in CA file for config entry %s: %s", registry, found.Tls.CA)
			}
		}
		if found.Tls.Cert != "" && found.Tls.Key != "" {
			cert, err := tls.LoadX509KeyPair(found.Tls.Cert, found.Tls.Key)
			if err != nil {
				return opts, fmt.Errorf("unable to load client cert and/or key for config entry %s from files: cert: %s, key: %s", registry, found.Tls.Cert, found.Tls.Key)
			}
			clientCerts = []tls.Certificate{cert}
		}
		opts.TlsCfg = &tls.Config{
			InsecureSkipVerify: found.Tls.InsecureSkipVerify,
			RootCAs:            cp,
			Certificates:       clientCerts,
		}
	}
	resolved[registry] = opts
	return opts, nil
}
