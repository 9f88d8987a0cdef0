package conf

import (
	"fmt"
	"net/url"
	"strings"
)

// Supported database types
const (
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks every section and reports all problems at once
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	ve.Errors = append(ve.Errors, validateEditorSettings(&settings.Editor)...)
	ve.Errors = append(ve.Errors, validateGatewaySettings(&settings.Gateway)...)
	ve.Errors = append(ve.Errors, validateServerSettings(&settings.Server)...)
	ve.Errors = append(ve.Errors, validateDatabaseSettings(&settings.Database)...)

	if settings.Metrics.Enabled && !strings.HasPrefix(settings.Metrics.Path, "/") {
		ve.Errors = append(ve.Errors, "metrics.path must start with /")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateEditorSettings(s *EditorSettings) []string {
	var errs []string
	if s.Density <= 0 {
		errs = append(errs, "editor.density must be greater than zero")
	}
	if s.ToleranceLimit <= 0 {
		errs = append(errs, "editor.tolerancelimit must be greater than zero")
	}
	if s.RatioLimit <= 0 {
		errs = append(errs, "editor.ratiolimit must be greater than zero")
	}
	if s.Debounce <= 0 {
		errs = append(errs, "editor.debounce must be greater than zero")
	}
	if s.Cooldown < 0 {
		errs = append(errs, "editor.cooldown must not be negative")
	}
	if s.Grace < 0 {
		errs = append(errs, "editor.grace must not be negative")
	}
	return errs
}

func validateGatewaySettings(s *GatewaySettings) []string {
	var errs []string
	u, err := url.Parse(s.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("gateway.url is invalid: %v", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, "gateway.url must use http or https")
	case u.Host == "":
		errs = append(errs, "gateway.url must include a host")
	}
	if s.Timeout < 0 {
		errs = append(errs, "gateway.timeout must not be negative")
	}
	return errs
}

func validateServerSettings(s *ServerSettings) []string {
	var errs []string
	if s.Listen == "" {
		errs = append(errs, "server.listen must not be empty")
	}
	if s.RateLimit < 0 {
		errs = append(errs, "server.ratelimit must not be negative")
	}
	if s.CacheTTL < 0 {
		errs = append(errs, "server.cachettl must not be negative")
	}
	return errs
}

func validateDatabaseSettings(s *DatabaseSettings) []string {
	s.Type = strings.ToLower(strings.TrimSpace(s.Type))
	switch s.Type {
	case DatabaseSQLite:
		if s.SQLite.Path == "" {
			return []string{"database.sqlite.path must not be empty"}
		}
	case DatabaseMySQL:
		var errs []string
		if s.MySQL.Host == "" {
			errs = append(errs, "database.mysql.host must not be empty")
		}
		if s.MySQL.Database == "" {
			errs = append(errs, "database.mysql.database must not be empty")
		}
		return errs
	default:
		return []string{fmt.Sprintf("database.type %q is not supported", s.Type)}
	}
	return nil
}
