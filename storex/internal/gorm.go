// Package internal contains the GORM adapter and connection URL handling.
package internal

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pnavarro/nova/core/log"
)

// GORMStore implements Store on top of a *gorm.DB.
type GORMStore struct {
	db     *gorm.DB
	driver string
	logger log.Logger
}

// NewGORMStore wraps an open database.
func NewGORMStore(db *gorm.DB, driver string, logger log.Logger) *GORMStore {
	return &GORMStore{db: db, driver: driver, logger: logger}
}

// Ping checks if the database connection is healthy.
func (s *GORMStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *GORMStore) Close() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

// GetDB returns the underlying GORM database instance.
func (s *GORMStore) GetDB() *gorm.DB {
	return s.db
}

// Driver returns the dialect name.
func (s *GORMStore) Driver() string {
	return s.driver
}

// GORMOptions holds configuration for GORM database connections.
type GORMOptions struct {
	DSN             string          // Driver-native DSN or a connection URL
	Driver          string          // mysql, postgres or sqlite; empty infers from DSN
	MaxIdleConns    int             // Maximum number of idle connections
	MaxOpenConns    int             // Maximum number of open connections
	ConnMaxLifetime time.Duration   // Maximum connection lifetime
	Logger          log.Logger      // Logger for database operations
	LogLevel        logger.LogLevel // GORM log level when Logger is nil
}

// DefaultGORMOptions returns default GORM options.
func DefaultGORMOptions() GORMOptions {
	return GORMOptions{
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		LogLevel:        logger.Silent,
	}
}

// NewGORMStoreFromOptions opens a database and configures its pool.
func NewGORMStoreFromOptions(ctx context.Context, opts GORMOptions) (*GORMStore, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("DSN is required")
	}

	driver, dsn, err := ResolveDSN(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	var gormLogger logger.Interface
	if opts.Logger != nil {
		gormLogger = &gormLogAdapter{logger: opts.Logger}
	} else {
		gormLogger = logger.Default.LogMode(opts.LogLevel)
	}

	dialector, err := getGORMDriver(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to get driver: %w", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := NewGORMStore(db, driver, opts.Logger)
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// ResolveDSN returns the dialect and driver-native DSN for a connection
// string. Connection URLs such as "mysql+pymysql://u:p@host/nova" or
// "sqlite:///var/lib/nova/nova.sqlite" are translated; any other string is
// passed through and requires driver to be set.
func ResolveDSN(driver, conn string) (string, string, error) {
	scheme, rest, isURL := strings.Cut(conn, "://")
	if !isURL {
		if driver == "" {
			return "", "", fmt.Errorf("driver is required for DSN without a scheme")
		}
		return driver, conn, nil
	}

	dialect, _, _ := strings.Cut(scheme, "+")
	switch dialect {
	case "postgres", "postgresql":
		dialect = "postgres"
	case "mysql", "sqlite":
	default:
		return "", "", fmt.Errorf("unsupported connection scheme: %s", scheme)
	}
	if driver != "" && driver != dialect {
		return "", "", fmt.Errorf("driver %s does not match connection scheme %s", driver, scheme)
	}

	switch dialect {
	case "sqlite":
		path := strings.TrimPrefix(rest, "/")
		if path == "" {
			return dialect, "file::memory:?cache=shared", nil
		}
		return dialect, path, nil
	case "postgres":
		return dialect, "postgres://" + rest, nil
	}

	u, err := url.Parse("mysql://" + rest)
	if err != nil {
		return "", "", fmt.Errorf("invalid mysql connection: %w", err)
	}
	cfg := mysqldriver.NewConfig()
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "parseTime" {
			if cfg.ParseTime, err = strconv.ParseBool(values[0]); err != nil {
				return "", "", fmt.Errorf("invalid mysql parseTime: %w", err)
			}
			continue
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params[key] = values[0]
	}
	return dialect, cfg.FormatDSN(), nil
}

// getGORMDriver returns the GORM driver for the given driver name.
func getGORMDriver(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

// gormLogAdapter adapts log.Logger to GORM's logger interface.
type gormLogAdapter struct {
	logger log.Logger
}

func (l *gormLogAdapter) LogMode(level logger.LogLevel) logger.Interface {
	return l
}

func (l *gormLogAdapter) Info(ctx context.Context, msg string, data ...interface{}) {
	l.logger.Info(fmt.Sprintf(msg, data...))
}

func (l *gormLogAdapter) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.logger.Warn(fmt.Sprintf(msg, data...))
}

func (l *gormLogAdapter) Error(ctx context.Context, msg string, data ...interface{}) {
	l.logger.Error(nil, fmt.Sprintf(msg, data...))
}

func (l *gormLogAdapter) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if err != nil {
		if IsConnectionError(err) {
			l.logger.Error(err, "database query failed", log.Str("error_type", "connection_error"))
		} else {
			l.logger.Debug("database query completed with error", log.Str("reason", err.Error()))
		}
		return
	}

	duration := time.Since(begin)
	if duration > 100*time.Millisecond {
		sql, rows := fc()
		l.logger.Debug("slow database query",
			log.Str("sql", sql),
			log.Int("rows", int(rows)),
			log.Dur("duration", duration))
	}
}

// IsConnectionError reports whether err comes from the connection rather
// than from the query (missing rows and constraint violations are not).
func IsConnectionError(err error) bool {
	if err == nil || err == gorm.ErrRecordNotFound {
		return false
	}

	errStr := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "timeout", "network is unreachable",
		"no such host", "connection pool exhausted", "broken pipe", "EOF", "database is locked",
		"bad connection",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
