package sqlengine

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	go_ora "github.com/sijms/go-ora/v2"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/whhaicheng/QTBench/internal/domain/connection"
)

// driverName returns the database/sql driver name of d.
func driverName(d connection.Driver) string {
	switch d {
	case connection.DriverPostgreSQL:
		return "postgres"
	default:
		return string(d)
	}
}

// buildDSN generates the connection string of t with its password. host and
// port override the target address, for tunnelled connections.
func buildDSN(t *connection.Target, host string, port int) (string, error) {
	switch t.Driver {
	case connection.DriverMySQL:
		cfg := mysql.NewConfig()
		cfg.User = t.Username
		cfg.Passwd = t.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", host, port)
		cfg.DBName = t.Database
		cfg.ParseTime = true
		switch t.SSLMode {
		case "require":
			cfg.TLSConfig = "true"
		case "prefer":
			cfg.TLSConfig = "preferred"
		}
		return cfg.FormatDSN(), nil

	case connection.DriverPostgreSQL:
		sslMode := t.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		u := &url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(t.Username, t.Password),
			Host:     host + ":" + strconv.Itoa(port),
			Path:     "/" + t.Database,
			RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
		}
		dsn, err := pq.ParseURL(u.String())
		if err != nil {
			return "", fmt.Errorf("build postgres dsn: %w", err)
		}
		return dsn, nil

	case connection.DriverSQLServer:
		query := url.Values{}
		if t.Database != "" {
			query.Set("database", t.Database)
		}
		switch t.SSLMode {
		case "disable":
			query.Set("encrypt", "disable")
		case "require":
			query.Set("encrypt", "true")
		default:
			query.Set("trustservercertificate", "true")
		}
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(t.Username, t.Password),
			Host:     host + ":" + strconv.Itoa(port),
			RawQuery: query.Encode(),
		}
		return u.String(), nil

	case connection.DriverOracle:
		service := t.ServiceName
		if service == "" {
			service = t.Database
		}
		options := map[string]string{}
		if t.SSLMode == "require" {
			options["SSL"] = "enable"
		}
		return go_ora.BuildUrl(host, port, service, t.Username, t.Password, options), nil

	case connection.DriverSQLite:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", t.Database), nil

	default:
		return "", fmt.Errorf("unsupported driver %q", t.Driver)
	}
}
