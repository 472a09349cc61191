package db

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DefaultConfig returns a MySQL configuration with sensible pool defaults
func DefaultConfig() *Config {
	return &Config{
		Driver:                DriverMySQL,
		Port:                  3306,
		Charset:               "utf8mb4",
		Collation:             "utf8mb4_unicode_ci",
		TimeZone:              "UTC",
		MaxOpenConns:          25,
		MaxIdleConns:          5,
		ConnMaxLifetime:       time.Hour,
		ConnMaxIdleTime:       30 * time.Minute,
		QueryTimeout:          30 * time.Second,
		DefaultIsolationLevel: "read_committed",
		Logging: LoggingConfig{
			Level:              "warn",
			Format:             "text",
			LogSlowQueries:     true,
			SlowQueryThreshold: 200 * time.Millisecond,
		},
	}
}

// Validate checks if the database configuration is valid
func (c *Config) Validate() error {
	switch c.Driver {
	case "", DriverMySQL, DriverPostgres:
	default:
		return &ConfigError{Field: "driver", Message: fmt.Sprintf("unsupported driver %q", c.Driver)}
	}

	if c.DSN == "" {
		if c.Host == "" {
			return &ConfigError{Field: "host", Message: "either dsn or host is required"}
		}
		if c.Port < 1 || c.Port > 65535 {
			return &ConfigError{Field: "port", Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Port)}
		}
		if c.Database == "" {
			return &ConfigError{Field: "database", Message: "database name is required"}
		}
		if c.Username == "" {
			return &ConfigError{Field: "username", Message: "database username is required"}
		}
	}
	if c.MaxOpenConns < 1 {
		return &ConfigError{Field: "max_open_conns", Message: "must be at least 1"}
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return &ConfigError{Field: "max_idle_conns", Message: "cannot be greater than max_open_conns"}
	}
	if _, err := ParseIsolationLevel(c.DefaultIsolationLevel); err != nil {
		return &ConfigError{Field: "default_isolation_level", Message: err.Error()}
	}

	if c.SSL.Enabled && !c.SSL.SkipVerify {
		if err := c.validateTLSFiles(); err != nil {
			return &ConfigError{Field: "ssl", Message: err.Error()}
		}
	}

	return nil
}

// DriverName returns the configured driver, defaulting to mysql
func (c *Config) DriverName() string {
	if c.Driver == "" {
		return DriverMySQL
	}
	return c.Driver
}

// IsolationLevel returns the parsed default isolation level
func (c *Config) IsolationLevel() sql.IsolationLevel {
	level, err := ParseIsolationLevel(c.DefaultIsolationLevel)
	if err != nil {
		return sql.LevelReadCommitted
	}
	return level
}

func (c *Config) validateTLSFiles() error {
	if c.SSL.CAFile != "" {
		if _, err := os.Stat(c.SSL.CAFile); err != nil {
			return fmt.Errorf("CA file not accessible: %w", err)
		}
	}

	if c.SSL.CertFile != "" || c.SSL.KeyFile != "" {
		if c.SSL.CertFile == "" || c.SSL.KeyFile == "" {
			return fmt.Errorf("both cert_file and key_file must be provided together")
		}
		if _, err := os.Stat(c.SSL.CertFile); err != nil {
			return fmt.Errorf("client certificate file not accessible: %w", err)
		}
		if _, err := os.Stat(c.SSL.KeyFile); err != nil {
			return fmt.Errorf("client key file not accessible: %w", err)
		}
	}

	return nil
}

// GetDSN returns the data source name for the configured driver
func (c *Config) GetDSN() (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.DriverName() == DriverPostgres {
		return c.postgresDSN(), nil
	}
	return c.mysqlDSN()
}

// mysqlDSN builds the DSN with the driver's config builder.
// MultiStatements and InterpolateParams let the page query and its count travel in one round trip;
// ClientFoundRows makes UPDATE report matched rather than changed rows.
func (c *Config) mysqlDSN() (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.Collation = c.Collation
	cfg.Loc = parseLocation(c.TimeZone)
	cfg.ParseTime = true
	cfg.AllowNativePasswords = true
	cfg.MultiStatements = true
	cfg.InterpolateParams = true
	cfg.ClientFoundRows = true
	if c.Charset != "" {
		cfg.Params = map[string]string{"charset": c.Charset}
	}

	if c.SSL.Enabled {
		if c.SSL.SkipVerify {
			cfg.TLSConfig = "skip-verify"
		} else {
			tlsConfig, err := c.buildTLSConfig()
			if err != nil {
				return "", &ConfigError{Field: "ssl", Message: err.Error()}
			}
			tlsName := c.generateTLSConfigName()
			// Registration under an existing name replaces it with an equal config.
			if err := mysql.RegisterTLSConfig(tlsName, tlsConfig); err != nil {
				return "", &ConfigError{Field: "ssl", Message: err.Error()}
			}
			cfg.TLSConfig = tlsName
		}
	}

	return cfg.FormatDSN(), nil
}

func (c *Config) postgresDSN() string {
	sslMode := "disable"
	if c.SSL.Enabled {
		sslMode = "verify-full"
		if c.SSL.SkipVerify {
			sslMode = "require"
		}
	}

	parts := []string{
		"host=" + c.Host,
		fmt.Sprintf("port=%d", c.Port),
		"user=" + c.Username,
		"password=" + c.Password,
		"dbname=" + c.Database,
		"sslmode=" + sslMode,
	}
	if c.SSL.CAFile != "" {
		parts = append(parts, "sslrootcert="+c.SSL.CAFile)
	}
	if c.SSL.CertFile != "" && c.SSL.KeyFile != "" {
		parts = append(parts, "sslcert="+c.SSL.CertFile, "sslkey="+c.SSL.KeyFile)
	}
	if c.TimeZone != "" {
		parts = append(parts, "TimeZone="+c.TimeZone)
	}
	return strings.Join(parts, " ")
}

func (c *Config) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{ServerName: c.SSL.ServerName}

	if c.SSL.CAFile != "" {
		caCert, err := os.ReadFile(c.SSL.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("invalid CA certificate in %s", c.SSL.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if c.SSL.CertFile != "" && c.SSL.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.SSL.CertFile, c.SSL.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// generateTLSConfigName derives a registration name unique to the SSL settings
func (c *Config) generateTLSConfigName() string {
	h := sha256.New()
	h.Write([]byte(c.SSL.CAFile))
	h.Write([]byte(c.SSL.CertFile))
	h.Write([]byte(c.SSL.KeyFile))
	h.Write([]byte(c.SSL.ServerName))
	return "repokit_tls_" + hex.EncodeToString(h.Sum(nil))[:16]
}

func parseLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseIsolationLevel maps a config string to a database/sql isolation level.
// An empty string yields read committed.
func ParseIsolationLevel(level string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(level), " ", "_")) {
	case "", "read_committed":
		return sql.LevelReadCommitted, nil
	case "default":
		return sql.LevelDefault, nil
	case "read_uncommitted":
		return sql.LevelReadUncommitted, nil
	case "repeatable_read":
		return sql.LevelRepeatableRead, nil
	case "snapshot":
		return sql.LevelSnapshot, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", level)
	}
}
