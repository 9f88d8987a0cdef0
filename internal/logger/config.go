package logger

// Config describes where logs go and at what levels
type Config struct {
	Level        string            `yaml:"level" mapstructure:"level"`
	Timezone     string            `yaml:"timezone" mapstructure:"timezone"`
	Console      bool              `yaml:"console" mapstructure:"console"`
	File         FileOutput        `yaml:"file" mapstructure:"file"`
	ModuleLevels map[string]string `yaml:"modules" mapstructure:"modules"`
}

// FileOutput configures JSON output to a file
type FileOutput struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

func applyConfigDefaults(cfg *Config) {
	if cfg.Level == "" {
		cfg.Level = string(LogLevelInfo)
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.File.Enabled && cfg.File.Path == "" {
		cfg.File.Path = "logs/verifier.log"
	}
}
