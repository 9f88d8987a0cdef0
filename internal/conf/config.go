// Package conf loads verifier settings from config files, environment
// variables and command line flags.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/lemlab/verifier/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. VERIFIER_GATEWAY_URL
const EnvPrefix = "VERIFIER"

// Settings is the root of the configuration tree
type Settings struct {
	Editor   EditorSettings   `mapstructure:"editor" yaml:"editor"`
	Gateway  GatewaySettings  `mapstructure:"gateway" yaml:"gateway"`
	Server   ServerSettings   `mapstructure:"server" yaml:"server"`
	Database DatabaseSettings `mapstructure:"database" yaml:"database"`
	Log      LogSettings      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsSettings  `mapstructure:"metrics" yaml:"metrics"`
}

// EditorSettings tunes derivation and autosave
type EditorSettings struct {
	Density        float64       `mapstructure:"density" yaml:"density"`               // g/cm³ used for specimen mass
	ToleranceLimit float64       `mapstructure:"tolerancelimit" yaml:"tolerancelimit"` // max diameter deviation in percent
	RatioLimit     float64       `mapstructure:"ratiolimit" yaml:"ratiolimit"`         // max L/D ratio that still gets weighed
	Debounce       time.Duration `mapstructure:"debounce" yaml:"debounce"`             // quiet period before autosave
	Cooldown       time.Duration `mapstructure:"cooldown" yaml:"cooldown"`             // autosave suppression after explicit saves
	Grace          time.Duration `mapstructure:"grace" yaml:"grace"`                   // ignore timer fires this long after resume
}

// GatewaySettings points the editor at the record store
type GatewaySettings struct {
	URL       string        `mapstructure:"url" yaml:"url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	UserAgent string        `mapstructure:"useragent" yaml:"useragent"`
}

// ServerSettings configures the reference record store server
type ServerSettings struct {
	Listen    string        `mapstructure:"listen" yaml:"listen"`
	RateLimit float64       `mapstructure:"ratelimit" yaml:"ratelimit"` // requests per second per client, 0 disables
	CacheTTL  time.Duration `mapstructure:"cachettl" yaml:"cachettl"`
}

// DatabaseSettings selects and configures the server's persistence
type DatabaseSettings struct {
	Type   string         `mapstructure:"type" yaml:"type"` // sqlite or mysql
	SQLite SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite"`
	MySQL  MySQLSettings  `mapstructure:"mysql" yaml:"mysql"`
}

// SQLiteSettings contains settings for the SQLite database
type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MySQLSettings contains settings for the MySQL database
type MySQLSettings struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         string `mapstructure:"port" yaml:"port"`
	Username     string `mapstructure:"username" yaml:"username"`
	Password     string `mapstructure:"password" yaml:"password"`           // may reference ${ENV_VAR}
	PasswordFile string `mapstructure:"password_file" yaml:"password_file"` // takes precedence over Password
	Database     string `mapstructure:"database" yaml:"database"`
}

// LogSettings configures the central logger
type LogSettings struct {
	Level    string            `mapstructure:"level" yaml:"level"`
	Timezone string            `mapstructure:"timezone" yaml:"timezone"`
	File     LogFileSettings   `mapstructure:"file" yaml:"file"`
	Modules  map[string]string `mapstructure:"modules" yaml:"modules"`
}

// LogFileSettings controls the JSON log file
type LogFileSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// MetricsSettings controls the prometheus endpoint
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
	Listen  string `mapstructure:"listen" yaml:"listen"` // separate listener, empty serves on server.listen
}

// LoggerConfig converts the log settings for logger.NewCentralLogger
func (s *Settings) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:        s.Log.Level,
		Timezone:     s.Log.Timezone,
		Console:      true,
		File:         logger.FileOutput{Enabled: s.Log.File.Enabled, Path: s.Log.File.Path},
		ModuleLevels: s.Log.Modules,
	}
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads settings through the global viper instance, so flags bound with
// viper.BindPFlags take precedence. paths are extra config files or
// directories searched before the defaults.
func Load(paths ...string) (*Settings, error) {
	settings, err := LoadWith(viper.GetViper(), paths...)
	if err != nil {
		return nil, err
	}
	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()
	return settings, nil
}

// LoadWith reads settings through v. A missing config file is not an error.
func LoadWith(v *viper.Viper, paths ...string) (*Settings, error) {
	if err := initViper(v, paths); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

func initViper(v *viper.Viper, paths []string) error {
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for _, p := range paths {
		if isConfigFile(p) {
			v.SetConfigFile(p)
			continue
		}
		v.AddConfigPath(p)
	}
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

func isConfigFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return ext == ".yaml" || ext == ".yml"
}

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// in priority order
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("error fetching user home directory: %w", err)
	}
	paths = append(paths, filepath.Join(home, ".config", "verifier"), "/etc/verifier")
	return paths, nil
}

// GetSettings returns the settings from the last successful Load, or nil
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
