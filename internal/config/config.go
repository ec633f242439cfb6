package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          string
	DB            Database
	MaxBodyBytes  int64
	RateLimit     int
	RateWindow    time.Duration
	AdminAPIKeys  map[string]struct{}
	MigrationsDir string
}

// Database holds the discrete connection settings for the tracking store.
// Everything is optional by design: a missing value degrades into connection
// failures handled by the fail-open paths, never into a startup crash.
type Database struct {
	Host string
	Port string
	Name string
	User string
	Pass string
	SSL  bool
}

func Parse() Config {
	return Config{
		Port: getString("PORT", "8080"),
		DB: Database{
			Host: getString("TRACKING_DB_HOST", ""),
			Port: getString("TRACKING_DB_PORT", "5432"),
			Name: getString("TRACKING_DB_NAME", ""),
			User: getString("TRACKING_DB_USER", ""),
			Pass: getString("TRACKING_DB_PASS", ""),
			SSL:  getString("TRACKING_DB_SSL", "") == "true",
		},
		MaxBodyBytes:  int64(getInt("MAX_BODY_BYTES", 65_536)),
		RateLimit:     getInt("TRACK_RATE_LIMIT", 60),
		RateWindow:    time.Duration(getInt("TRACK_RATE_WINDOW_SECONDS", 60)) * time.Second,
		AdminAPIKeys:  parseKeys(getString("ADMIN_API_KEYS", "")),
		MigrationsDir: getString("MIGRATIONS_DIR", "migrations"),
	}
}

// DSN renders the settings as a pgx keyword/value string. Pool sizing is
// part of the DSN so the gateway inherits it with the connection settings:
// small pool, short idle and connect timeouts.
func (d Database) DSN() string {
	sslmode := "disable"
	if d.SSL {
		sslmode = "require"
	}
	return fmt.Sprintf(
		"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s connect_timeout=5 pool_max_conns=5 pool_max_conn_idle_time=10s",
		d.Host, d.Port, d.Name, d.User, d.Pass, sslmode,
	)
}

// DatabaseReport is the credential-free view of the settings exposed by the
// diagnostic endpoint. Values are presence markers, never secrets; the host
// is truncated so the report cannot leak a full internal hostname.
type DatabaseReport struct {
	Host string `json:"host"`
	Port string `json:"port"`
	Name string `json:"name"`
	User string `json:"user"`
	Pass string `json:"pass"`
	SSL  string `json:"ssl"`
}

func (d Database) Report() DatabaseReport {
	r := DatabaseReport{
		Host: "NOT SET",
		Port: "NOT SET",
		Name: "NOT SET",
		User: "NOT SET",
		Pass: "NOT SET",
		SSL:  "NOT SET",
	}
	if d.Host != "" {
		host := d.Host
		if len(host) > 8 {
			host = host[:8]
		}
		r.Host = host + "..."
	}
	if d.Port != "" {
		r.Port = d.Port
	}
	if d.Name != "" {
		r.Name = d.Name
	}
	if d.User != "" {
		r.User = "SET"
	}
	if d.Pass != "" {
		r.Pass = "SET"
	}
	if d.SSL {
		r.SSL = "true"
	}
	return r
}

func parseKeys(csv string) map[string]struct{} {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return map[string]struct{}{}
	}
	m := make(map[string]struct{})
	for _, k := range strings.Split(csv, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			m[k] = struct{}{}
		}
	}
	return m
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
