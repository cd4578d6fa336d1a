// Package connection provides the database target a local SQL engine runs
// the benchmark workload against.
package connection

import (
	"fmt"
	"strings"
)

// Driver is the database driver of a target.
type Driver string

const (
	DriverMySQL      Driver = "mysql"
	DriverPostgreSQL Driver = "postgres"
	DriverSQLServer  Driver = "sqlserver"
	DriverOracle     Driver = "oracle"
	DriverSQLite     Driver = "sqlite"
)

// DefaultPort returns the well-known port of the driver, 0 for SQLite.
func (d Driver) DefaultPort() int {
	switch d {
	case DriverMySQL:
		return 3306
	case DriverPostgreSQL:
		return 5432
	case DriverSQLServer:
		return 1433
	case DriverOracle:
		return 1521
	default:
		return 0
	}
}

// IsValid checks if the driver is supported.
func (d Driver) IsValid() bool {
	switch d {
	case DriverMySQL, DriverPostgreSQL, DriverSQLServer, DriverOracle, DriverSQLite:
		return true
	default:
		return false
	}
}

// Target is a database to run queries against.
type Target struct {
	Driver      Driver           `json:"driver" yaml:"driver"`
	Host        string           `json:"host" yaml:"host"`
	Port        int              `json:"port" yaml:"port"`
	Database    string           `json:"database" yaml:"database"`         // Database, or file path for SQLite
	ServiceName string           `json:"service_name" yaml:"service_name"` // Oracle only
	Username    string           `json:"username" yaml:"username"`
	Password    string           `json:"-" yaml:"password"`
	SSLMode     string           `json:"ssl_mode" yaml:"ssl_mode"` // disable, prefer, require
	MaxConns    int              `json:"max_conns" yaml:"max_conns"`
	SSH         *SSHTunnelConfig `json:"ssh,omitempty" yaml:"ssh"`
}

// SSHTunnelConfig represents SSH tunnel configuration.
type SSHTunnelConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"` // Default 22
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"-" yaml:"password"`
	KeyPath   string `json:"key_path" yaml:"key_path"`     // Private key file (optional)
	LocalPort int    `json:"local_port" yaml:"local_port"` // 0 = auto-assign

	// KnownHostsPath enables host key checking. Host keys are not verified
	// when it is empty.
	KnownHostsPath string `json:"known_hosts_path" yaml:"known_hosts_path"`
}

// Validate validates the target. All problems are reported at once.
func (t *Target) Validate() error {
	var errs []error

	if !t.Driver.IsValid() {
		errs = append(errs, &ValidationError{
			Field:   "driver",
			Message: "driver must be one of: mysql, postgres, sqlserver, oracle, sqlite",
			Value:   string(t.Driver),
		})
	}

	if t.Driver == DriverSQLite {
		if err := ValidateRequired("database", t.Database); err != nil {
			errs = append(errs, err)
		}
		return joinValidation(errs)
	}

	if err := ValidateRequired("host", t.Host); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateRequired("username", t.Username); err != nil {
		errs = append(errs, err)
	}
	if t.Port != 0 {
		if err := ValidatePort(t.Port); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Driver == DriverOracle && t.ServiceName == "" && t.Database == "" {
		errs = append(errs, &ValidationError{
			Field:   "service_name",
			Message: "service_name or database is required for oracle",
		})
	}
	switch t.SSLMode {
	case "", "disable", "prefer", "require":
	default:
		errs = append(errs, &ValidationError{
			Field:   "ssl_mode",
			Message: "ssl_mode must be one of: disable, prefer, require",
			Value:   t.SSLMode,
		})
	}

	if t.SSH != nil && t.SSH.Enabled {
		if err := t.SSH.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return joinValidation(errs)
}

// Addr returns host:port, filling the default port of the driver.
func (t *Target) Addr() (string, int) {
	port := t.Port
	if port == 0 {
		port = t.Driver.DefaultPort()
	}
	return t.Host, port
}

// Redact returns the target for display, without secrets.
func (t *Target) Redact() string {
	if t.Driver == DriverSQLite {
		return fmt.Sprintf("sqlite (%s)", t.Database)
	}
	host, port := t.Addr()
	db := t.Database
	if t.Driver == DriverOracle && t.ServiceName != "" {
		db = t.ServiceName
	}
	return fmt.Sprintf("%s (%s@%s:%d/%s)", t.Driver, t.Username, host, port, db)
}

// Validate validates the SSH tunnel configuration.
func (c *SSHTunnelConfig) Validate() error {
	var errs []error
	if err := ValidateRequired("ssh.host", c.Host); err != nil {
		errs = append(errs, err)
	}
	if err := ValidateRequired("ssh.username", c.Username); err != nil {
		errs = append(errs, err)
	}
	if c.Port != 0 {
		if err := ValidatePort(c.Port); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Password == "" && c.KeyPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "ssh",
			Message: "SSH requires either password or private key",
		})
	}
	return joinValidation(errs)
}

// ValidatePort validates that a port number is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{
			Field:   "port",
			Message: "port must be between 1 and 65535",
			Value:   port,
		}
	}
	return nil
}

// ValidateRequired validates that a required string field is not empty.
func ValidateRequired(fieldName, value string) error {
	if value == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: fieldName + " is required",
		}
	}
	return nil
}

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Value)
	}
	return e.Message
}

// MultiValidationError collects several validation errors.
type MultiValidationError struct {
	Errors []error
}

func (e *MultiValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap returns the collected errors.
func (e *MultiValidationError) Unwrap() []error {
	return e.Errors
}

func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &MultiValidationError{Errors: errs}
}
