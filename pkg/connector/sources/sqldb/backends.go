package sqldb

import (
	"context"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/snowflakedb/gosnowflake"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/connector/sqlbuilder"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/resolve"
)

// Backend describes one database/sql backend.
type Backend struct {
	Kind        string
	Driver      string
	Description string
	SQL         sqlbuilder.Dialect
	Types       columnar.TypeMapper
	Native      core.CapabilitySet
	// Strings is the default string collation of the backend
	Strings core.Collation
	// DSN builds the driver DSN for a descriptor at connect time
	DSN func(ctx context.Context, desc *core.Descriptor, r resolve.Resolver) (string, error)
}

// Supported backends.
var (
	MySQL = Backend{
		Kind:        "mysql",
		Driver:      "mysql",
		Description: "MySQL and MariaDB tables with SQL push-down",
		SQL:         sqlbuilder.MySQL,
		Types:       columnar.MySQL,
		Native:      core.AllCapabilities,
		Strings:     core.CollationFolded,
		DSN:         mysqlDSN,
	}
	SQLite = Backend{
		Kind:        "sqlite",
		Driver:      "sqlite3",
		Description: "SQLite database files with SQL push-down",
		SQL:         sqlbuilder.SQLite,
		Types:       columnar.SQLite,
		Native:      core.AllCapabilities,
		DSN:         fileDSN,
	}
	DuckDB = Backend{
		Kind:        "duckdb",
		Driver:      "duckdb",
		Description: "DuckDB databases with SQL push-down",
		SQL:         sqlbuilder.DuckDB,
		Types:       columnar.DuckDB,
		Native:      core.AllCapabilities,
		DSN:         fileDSN,
	}
	Snowflake = Backend{
		Kind:        "snowflake",
		Driver:      "snowflake",
		Description: "Snowflake warehouse tables with SQL push-down",
		SQL:         sqlbuilder.Snowflake,
		Types:       columnar.Snowflake,
		Native:      core.AllCapabilities,
		DSN:         snowflakeDSN,
	}
)

func init() {
	for _, b := range []Backend{MySQL, SQLite, DuckDB, Snowflake} {
		b := b
		registry.Register(core.ConnectorMetadata{
			Kind:         b.Kind,
			Description:  b.Description,
			Capabilities: b.Native,
			Writable:     true,
		}, func(ctx context.Context, desc *core.Descriptor, deps core.Dependencies) (core.Connector, error) {
			c, err := New(b, desc, deps)
			if err != nil {
				return nil, err
			}
			return c, nil
		})
	}
}

func dsnOf(desc *core.Descriptor) string {
	if desc.DSN != "" {
		return desc.DSN
	}
	return desc.Address
}

// fileDSN passes the path or connection string through untouched.
func fileDSN(_ context.Context, desc *core.Descriptor, _ resolve.Resolver) (string, error) {
	return dsnOf(desc), nil
}

// mysqlDSN applies credentials and picks a live address for TCP hosts.
func mysqlDSN(ctx context.Context, desc *core.Descriptor, r resolve.Resolver) (string, error) {
	cfg, err := mysql.ParseDSN(dsnOf(desc))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid mysql dsn")
	}
	if u := desc.Credentials["user"]; u != "" {
		cfg.User = u
	}
	if p := desc.Credentials["password"]; p != "" {
		cfg.Passwd = p
	}
	cfg.ParseTime = true
	if cfg.Net == "tcp" && cfg.Addr != "" {
		addr, err := resolve.PickLive(ctx, r, cfg.Addr, desc.Pool.ConnectTimeout)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeBackendUnreachable, "mysql host "+cfg.Addr)
		}
		cfg.Addr = addr
	}
	return cfg.FormatDSN(), nil
}

func snowflakeDSN(_ context.Context, desc *core.Descriptor, _ resolve.Resolver) (string, error) {
	cfg, err := gosnowflake.ParseDSN(dsnOf(desc))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConfig, "invalid snowflake dsn")
	}
	if u := desc.Credentials["user"]; u != "" {
		cfg.User = u
	}
	if p := desc.Credentials["password"]; p != "" {
		cfg.Password = p
	}
	return gosnowflake.DSN(cfg)
}
