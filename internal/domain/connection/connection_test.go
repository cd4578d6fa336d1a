package connection

import (
	"errors"
	"strings"
	"testing"
)

// TestTarget_Validate tests target validation with table-driven approach.
func TestTarget_Validate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid mysql",
			target: Target{Driver: DriverMySQL, Host: "localhost", Port: 3306, Database: "tpcds", Username: "root"},
		},
		{
			name:   "valid sqlite",
			target: Target{Driver: DriverSQLite, Database: ":memory:"},
		},
		{
			name:    "unknown driver",
			target:  Target{Driver: "db2", Host: "localhost", Username: "root"},
			wantErr: true,
			errMsg:  "driver must be one of",
		},
		{
			name:    "sqlite without path",
			target:  Target{Driver: DriverSQLite},
			wantErr: true,
			errMsg:  "database is required",
		},
		{
			name:    "missing host",
			target:  Target{Driver: DriverPostgreSQL, Username: "bench"},
			wantErr: true,
			errMsg:  "host is required",
		},
		{
			name:    "port too high",
			target:  Target{Driver: DriverSQLServer, Host: "db", Port: 70000, Username: "sa"},
			wantErr: true,
			errMsg:  "port must be between 1 and 65535",
		},
		{
			name:    "oracle without service",
			target:  Target{Driver: DriverOracle, Host: "db", Username: "system"},
			wantErr: true,
			errMsg:  "service_name or database is required",
		},
		{
			name:    "bad ssl mode",
			target:  Target{Driver: DriverPostgreSQL, Host: "db", Username: "bench", SSLMode: "verify-full"},
			wantErr: true,
			errMsg:  "ssl_mode must be one of",
		},
		{
			name: "ssh without auth",
			target: Target{Driver: DriverMySQL, Host: "db", Username: "root",
				SSH: &SSHTunnelConfig{Enabled: true, Host: "bastion", Username: "ops"}},
			wantErr: true,
			errMsg:  "SSH requires either password or private key",
		},
		{
			name: "disabled ssh is ignored",
			target: Target{Driver: DriverMySQL, Host: "db", Username: "root",
				SSH: &SSHTunnelConfig{Enabled: false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.errMsg)
			}
		})
	}
}

// TestTarget_ValidateCollectsAll tests that every invalid field is reported.
func TestTarget_ValidateCollectsAll(t *testing.T) {
	target := Target{Driver: DriverMySQL, Port: -1}

	err := target.Validate()
	var multi *MultiValidationError
	if !errors.As(err, &multi) {
		t.Fatalf("expected *MultiValidationError, got %T", err)
	}
	if len(multi.Errors) != 3 {
		t.Errorf("len(Errors) = %d, want 3: %v", len(multi.Errors), err)
	}

	var field *ValidationError
	if !errors.As(err, &field) || field.Field != "host" {
		t.Errorf("first field error = %+v, want host", field)
	}
}

func TestTarget_AddrAndRedact(t *testing.T) {
	target := Target{Driver: DriverOracle, Host: "ora", ServiceName: "ORCLPDB1", Username: "system", Password: "secret"}

	host, port := target.Addr()
	if host != "ora" || port != 1521 {
		t.Errorf("Addr() = %s:%d, want ora:1521", host, port)
	}

	redacted := target.Redact()
	if strings.Contains(redacted, "secret") {
		t.Errorf("Redact() leaks password: %s", redacted)
	}
	if redacted != "oracle (system@ora:1521/ORCLPDB1)" {
		t.Errorf("Redact() = %s", redacted)
	}
}
