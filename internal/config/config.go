// Package config loads hearth-node configuration from, in order of
// increasing precedence: built-in defaults, a config.yaml discovered by
// walking up from the working directory (or under $HEARTH_HOME), and
// HEARTH_-prefixed environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at node startup, before any other package reads configuration.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD looking for a .hearth/config.yaml, so commands
	//    issued from inside a working copy pick up its node config.
	cwd, err := os.Getwd()
	if err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".hearth", "config.yaml")
			if _, statErr := os.Stat(configPath); statErr == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. $HEARTH_HOME/config.yaml
	if !configFileSet {
		if home := os.Getenv("HEARTH_HOME"); home != "" {
			configPath := filepath.Join(home, "config.yaml")
			if _, statErr := os.Stat(configPath); statErr == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. $HOME/.hearth/config.yaml
	if !configFileSet {
		if homeDir, homeErr := os.UserHomeDir(); homeErr == nil {
			configPath := filepath.Join(homeDir, ".hearth", "config.yaml")
			if _, statErr := os.Stat(configPath); statErr == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file.
	// E.g. HEARTH_LISTEN, HEARTH_SEEDS, HEARTH_STORAGE_PATH.
	v.SetEnvPrefix("HEARTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Node identity & storage
	v.SetDefault("home", defaultHome())
	v.SetDefault("storage-path", "")   // derived from home if empty
	v.SetDefault("keys-path", "")      // derived from home if empty
	v.SetDefault("passphrase", "")     // HEARTH_PASSPHRASE

	// Transport / listen configuration
	v.SetDefault("listen", []string{"0.0.0.0:8776"})
	v.SetDefault("external-addresses", []string{})
	v.SetDefault("network", "main")

	// Peering
	v.SetDefault("seeds", []string{})
	v.SetDefault("connect", []string{})
	v.SetDefault("max-sessions", 32)
	v.SetDefault("max-open-streams-per-session", 64)

	// Fetch / replication tuning
	v.SetDefault("fetch.timeout", "60s")
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.keep-marker-ttl", "1h")

	// Gossip tuning
	v.SetDefault("gossip.announce-interval", "30s")
	v.SetDefault("gossip.anti-entropy-interval", "5m")
	v.SetDefault("gossip.reconnect-backoff-min", "1s")
	v.SetDefault("gossip.reconnect-backoff-max", "1m")

	// Policy defaults
	v.SetDefault("policy.default-seeding", "block")
	v.SetDefault("policy.default-scope", "followed")

	// Control socket
	v.SetDefault("control.socket-path", "") // derived from home if empty

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "") // empty disables file rotation, stderr only
	v.SetDefault("log.max-size-mb", 64)
	v.SetDefault("log.max-backups", 4)

	// The home and passphrase variables, bound explicitly as well as
	// through AutomaticEnv: they are the HEARTH_ names standing in for the
	// upstream tool's RAD_HOME and RAD_PASSPHRASE.
	_ = v.BindEnv("home", "HEARTH_HOME")
	_ = v.BindEnv("passphrase", "HEARTH_PASSPHRASE")

	if configFileSet {
		if readErr := v.ReadInConfig(); readErr != nil {
			return fmt.Errorf("error reading config file: %w", readErr)
		}
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	} else {
		slog.Debug("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

// defaultHome returns $HEARTH_HOME if set, otherwise $HOME/.hearth.
func defaultHome() string {
	if home := os.Getenv("HEARTH_HOME"); home != "" {
		return home
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".hearth")
	}
	return ".hearth"
}

// ConfigSource represents where a configuration value came from.
type ConfigSource string

const (
	SourceDefault    ConfigSource = "default"
	SourceConfigFile ConfigSource = "config_file"
	SourceEnvVar     ConfigSource = "env_var"
	SourceFlag       ConfigSource = "flag"
)

// ConfigOverride represents a detected configuration override.
type ConfigOverride struct {
	Key            string
	EffectiveValue interface{}
	OverriddenBy   ConfigSource
	OriginalSource ConfigSource
	OriginalValue  interface{}
}

// GetValueSource returns the source of a configuration value.
// Priority (highest to lowest): env var > config file > default.
// Flags are not considered here, since viper doesn't know about cobra
// flags; CheckOverrides takes flag values as an explicit argument.
func GetValueSource(key string) ConfigSource {
	if v == nil {
		return SourceDefault
	}

	envKey := "HEARTH_" + strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), ".", "_"))
	if os.Getenv(envKey) != "" {
		return SourceEnvVar
	}

	if v.InConfig(key) {
		return SourceConfigFile
	}

	return SourceDefault
}

// CheckOverrides checks for configuration overrides and returns a list of
// detected overrides, for informing operators when env vars or flags shadow
// config file values. flagOverrides maps key -> (flagValue, flagWasSet) for
// flags that were explicitly set.
func CheckOverrides(flagOverrides map[string]struct {
	Value  interface{}
	WasSet bool
}) []ConfigOverride {
	var overrides []ConfigOverride

	for key, flagInfo := range flagOverrides {
		if !flagInfo.WasSet {
			continue
		}

		source := GetValueSource(key)
		if source == SourceConfigFile || source == SourceEnvVar {
			var originalValue interface{}
			switch flagInfo.Value.(type) {
			case bool:
				originalValue = GetBool(key)
			case string:
				originalValue = GetString(key)
			case int:
				originalValue = GetInt(key)
			default:
				originalValue = flagInfo.Value
			}

			overrides = append(overrides, ConfigOverride{
				Key:            key,
				EffectiveValue: flagInfo.Value,
				OverriddenBy:   SourceFlag,
				OriginalSource: source,
				OriginalValue:  originalValue,
			})
		}
	}

	if v != nil {
		for _, key := range v.AllKeys() {
			if GetValueSource(key) == SourceEnvVar && v.InConfig(key) {
				envKey := "HEARTH_" + strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), ".", "_"))
				envValue := os.Getenv(envKey)
				if envValue == "" {
					continue
				}

				overrides = append(overrides, ConfigOverride{
					Key:            key,
					EffectiveValue: v.Get(key),
					OverriddenBy:   SourceEnvVar,
					OriginalSource: SourceConfigFile,
					OriginalValue:  nil,
				})
			}
		}
	}

	return overrides
}

// LogOverride logs a message about a configuration override. Callers guard
// this on a verbose flag.
func LogOverride(override ConfigOverride) {
	slog.Info("config value overridden",
		"key", override.Key,
		"overridden_by", override.OverriddenBy,
		"original_source", override.OriginalSource,
		"original_value", override.OriginalValue,
		"effective_value", override.EffectiveValue,
	)
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set sets a configuration value, overriding whatever was loaded from file
// or environment. Mostly useful for tests.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns all configuration settings as a map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// GetStringSlice retrieves a string slice configuration value.
func GetStringSlice(key string) []string {
	if v == nil {
		return []string{}
	}
	return v.GetStringSlice(key)
}

// GetStringMapString retrieves a map[string]string configuration value.
func GetStringMapString(key string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v.GetStringMapString(key)
}

// HomeDir returns the node's home directory (HEARTH_HOME or ~/.hearth),
// expanding a leading "~" if present.
func HomeDir() string {
	home := GetString("home")
	if home == "" {
		home = defaultHome()
	}
	if strings.HasPrefix(home, "~") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(homeDir, strings.TrimPrefix(home, "~"))
		}
	}
	return home
}

// StoragePath returns the directory under which repository working copies
// and their namespaced refs live, defaulting to <home>/storage.
func StoragePath() string {
	if p := GetString("storage-path"); p != "" {
		return p
	}
	return filepath.Join(HomeDir(), "storage")
}

// KeysPath returns the directory holding the node's Ed25519 keypair,
// defaulting to <home>/keys.
func KeysPath() string {
	if p := GetString("keys-path"); p != "" {
		return p
	}
	return filepath.Join(HomeDir(), "keys")
}

// ControlSocketPath returns the path of the node's control-plane unix
// socket, defaulting to <home>/control.sock.
func ControlSocketPath() string {
	if p := GetString("control.socket-path"); p != "" {
		return p
	}
	return filepath.Join(HomeDir(), "control.sock")
}

// Seeds returns the statically configured list of seed node addresses
// (NID@host:port), merging the "seeds" and legacy "connect" keys.
func Seeds() []string {
	seeds := GetStringSlice("seeds")
	return append(seeds, GetStringSlice("connect")...)
}

// GetIdentity resolves an operator identity string for diagnostics.
// Priority chain:
//  1. flagValue (if non-empty, from a --identity flag)
//  2. HEARTH_IDENTITY env var / config.yaml identity field
//  3. git config user.name
//  4. hostname
func GetIdentity(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if identity := GetString("identity"); identity != "" {
		return identity
	}

	cmd := exec.Command("git", "config", "user.name")
	if output, err := cmd.Output(); err == nil {
		if gitUser := strings.TrimSpace(string(output)); gitUser != "" {
			return gitUser
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}

	return "unknown"
}
