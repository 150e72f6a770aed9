package storage

import (
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Options select and address the database. SQLite is the default; Postgres
// is required for real row-level locking across several processes.
type Options struct {
	Driver   string
	Path     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	DSN      string
}

func Open(opt Options) (*gorm.DB, error) {
	dialector, err := opt.dialector()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if opt.driver() == DriverSQLite {
		// Enable WAL mode for concurrent read/write
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		// SQLite has a single writer and ignores FOR UPDATE; one connection
		// turns every transaction into a serialization point.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// NewDatabase opens the SQLite file at dbPath.
func NewDatabase(dbPath string) (*gorm.DB, error) {
	return Open(Options{Driver: DriverSQLite, Path: dbPath})
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&CapitalAllocation{},
		&AllocationLeg{},
		&Strategy{},
		&StrategyInstance{},
		&ExecutionOrder{},
		&StrategySignal{},
		&DiscrepancyReport{},
		&BackfillRun{},
		&BackfillFlag{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (opt Options) driver() string {
	if opt.Driver == "" {
		return DriverSQLite
	}
	return opt.Driver
}

func (opt Options) dialector() (gorm.Dialector, error) {
	switch opt.driver() {
	case DriverSQLite:
		if opt.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		return sqlite.Open(opt.Path), nil
	case DriverPostgres:
		return postgres.Open(opt.PostgresDSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opt.Driver)
	}
}

func (opt Options) PostgresDSN() string {
	if opt.DSN != "" {
		return opt.DSN
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}
	u.RawQuery = url.Values{"sslmode": []string{sslMode}}.Encode()
	return u.String()
}
