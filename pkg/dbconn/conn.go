// Package dbconn contains connection handling for the SQL Server source.
package dbconn

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

const (
	maxConnLifetime = time.Minute * 3
	maxIdleConns    = 4
)

type DBConfig struct {
	ConnectTimeout time.Duration
	MaxRetries     int
	AppName        string
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		ConnectTimeout: 30 * time.Second,
		MaxRetries:     5,
		AppName:        "lakemirror",
	}
}

// New opens a connection pool against the source. The DSN may be a
// sqlserver:// URL or an ADO connection string; both are passed through
// to the driver with the config's timeout and app name applied when the
// DSN is URL-shaped.
func New(dsn string, config *DBConfig) (*sql.DB, error) {
	if config == nil {
		config = NewDBConfig()
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme == "sqlserver" {
		q := u.Query()
		if q.Get("app name") == "" {
			q.Set("app name", config.AppName)
		}
		if q.Get("dial timeout") == "" {
			q.Set("dial timeout", fmt.Sprintf("%d", int(config.ConnectTimeout.Seconds())))
		}
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(maxConnLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	return db, nil
}
