package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding ties an environment variable to a config key
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

// getEnvBindings lists variables that are checked before use. Every other key
// is still reachable through AutomaticEnv as VERIFIER_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"gateway.url", EnvPrefix + "_GATEWAY_URL", validateEnvURL},
		{"gateway.timeout", EnvPrefix + "_GATEWAY_TIMEOUT", validateEnvDuration},
		{"editor.debounce", EnvPrefix + "_EDITOR_DEBOUNCE", validateEnvDuration},
		{"editor.density", EnvPrefix + "_EDITOR_DENSITY", validateEnvPositiveFloat},
		{"server.listen", EnvPrefix + "_SERVER_LISTEN", nil},
		{"database.type", EnvPrefix + "_DATABASE_TYPE", validateEnvDatabaseType},
		{"database.mysql.password", EnvPrefix + "_DATABASE_MYSQL_PASSWORD", nil},
		{"database.mysql.password_file", EnvPrefix + "_DATABASE_MYSQL_PASSWORD_FILE", nil},
		{"log.level", EnvPrefix + "_LOG_LEVEL", nil},
	}
}

func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var warnings []string
	for _, b := range getEnvBindings() {
		if err := v.BindEnv(b.ConfigKey, b.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", b.EnvVar, err))
			continue
		}
		if b.Validate == nil {
			continue
		}
		if value := os.Getenv(b.EnvVar); value != "" {
			if err := b.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", b.EnvVar, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	return nil
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func validateEnvPositiveFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	if f <= 0 {
		return fmt.Errorf("must be greater than zero")
	}
	return nil
}

func validateEnvDatabaseType(value string) error {
	switch strings.ToLower(value) {
	case DatabaseSQLite, DatabaseMySQL:
		return nil
	default:
		return fmt.Errorf("must be %s or %s", DatabaseSQLite, DatabaseMySQL)
	}
}
