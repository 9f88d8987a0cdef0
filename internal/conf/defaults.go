package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values, also used by flag definitions
const (
	DefaultGatewayURL = "http://localhost:8000"
	DefaultListen     = ":8000"
	DefaultSQLitePath = "verifier.db"

	DefaultGatewayTimeout = 15 * time.Second
)

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("editor.density", 0.76165)
	v.SetDefault("editor.tolerancelimit", 2.0)
	v.SetDefault("editor.ratiolimit", 1.75)
	v.SetDefault("editor.debounce", 5*time.Second)
	v.SetDefault("editor.cooldown", 1500*time.Millisecond)
	v.SetDefault("editor.grace", 250*time.Millisecond)

	v.SetDefault("gateway.url", DefaultGatewayURL)
	v.SetDefault("gateway.timeout", DefaultGatewayTimeout)
	v.SetDefault("gateway.useragent", "verifier")

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.ratelimit", 20.0)
	v.SetDefault("server.cachettl", time.Minute)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", "3306")
	v.SetDefault("database.mysql.username", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.password_file", "")
	v.SetDefault("database.mysql.database", "verifier")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.timezone", "Local")
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "logs/verifier.log")
	v.SetDefault("log.modules", map[string]string{})

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.listen", "")
}
