// Package config implements the configuration file used by the probe
// command. Engine packages do not read this directly; the command
// translates it into probe.Options.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".probe"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through
// the config file.
type Config struct {
	// SlotPoolBytes is the size of the executable slot pool reserved for
	// relocated instructions.
	SlotPoolBytes *int `yaml:"slot-pool-bytes,omitempty"`

	// DisableBoost forces probes that would resume via a synthesized
	// return jump to single-step instead.
	DisableBoost bool `yaml:"disable-boost"`

	// DisableOptimizer turns off the background jump optimizer.
	DisableOptimizer bool `yaml:"disable-optimizer"`

	// OptimizeIntervalMs is the period of the optimizer's drain loop.
	OptimizeIntervalMs *int `yaml:"optimize-interval-ms,omitempty"`

	// DenySymbols lists symbol names (or prefixes) that must never be
	// probed, in addition to the engine's own exclusions.
	DenySymbols []string `yaml:"deny-symbols"`
}

// SlotPoolBytesDefault is used when slot-pool-bytes is not set.
const SlotPoolBytesDefault = 1 << 16

// OptimizeIntervalMsDefault is used when optimize-interval-ms is not set.
const OptimizeIntervalMsDefault = 50

// LoadConfig attempts to populate a Config object from the config.yml
// file. A missing or unreadable file yields the zero config, never an
// error.
func LoadConfig() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Fprintf(os.Stderr, "could not create config directory: %v\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to get config file path: %v\n", err)
		return &Config{}
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return &Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Fprintf(os.Stderr, "unable to decode config file: %v\n", err)
		return &Config{}
	}
	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0644)
}

func createConfigPath() error {
	p, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
