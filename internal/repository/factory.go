package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/vm-profiler/pkg/config"
)

// driver opens one kind of database. Each connection to an in-memory
// sqlite database sees its own database, so sqlite keeps a single one.
type driver struct {
	open       func(cfg *config.DatabaseConfig) gorm.Dialector
	singleConn bool
}

var drivers = map[string]driver{
	"sqlite": {
		open: func(cfg *config.DatabaseConfig) gorm.Dialector {
			path := cfg.Path
			if path == "" {
				path = ":memory:"
			}
			return sqlite.Open(path)
		},
		singleConn: true,
	},
	"postgres": {open: func(cfg *config.DatabaseConfig) gorm.Dialector { return postgres.Open(postgresDSN(cfg)) }},
	"mysql":    {open: func(cfg *config.DatabaseConfig) gorm.Dialector { return mysql.Open(mysqlDSN(cfg)) }},
}

func lookupDriver(kind string) (driver, error) {
	switch kind = strings.ToLower(kind); kind {
	case "":
		kind = "sqlite"
	case "postgresql":
		kind = "postgres"
	}
	d, ok := drivers[kind]
	if !ok {
		return driver{}, fmt.Errorf("unsupported database type: %s", kind)
	}
	return d, nil
}

// postgresDSN renders the keyword/value form, quoting values as libpq does.
func postgresDSN(cfg *config.DatabaseConfig) string {
	quote := func(v string) string {
		if v != "" && !strings.ContainsAny(v, ` '\`) {
			return v
		}
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
	}
	pairs := []string{"host=" + quote(cfg.Host)}
	if cfg.Port > 0 {
		pairs = append(pairs, "port="+strconv.Itoa(cfg.Port))
	}
	pairs = append(pairs,
		"user="+quote(cfg.User),
		"password="+quote(cfg.Password),
		"dbname="+quote(cfg.Database),
		"sslmode=disable")
	return strings.Join(pairs, " ")
}

func mysqlDSN(cfg *config.DatabaseConfig) string {
	host := cfg.Host
	if cfg.Port > 0 {
		host += ":" + strconv.Itoa(cfg.Port)
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=Local", cfg.User, cfg.Password, host, cfg.Database)
}

// Dialector returns the GORM dialector for cfg.
func Dialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	d, err := lookupDriver(cfg.Type)
	if err != nil {
		return nil, err
	}
	return d.open(cfg), nil
}

// NewGormDB opens and pings the database of cfg. With tracing on, every
// query becomes an OpenTelemetry span.
func NewGormDB(cfg *config.DatabaseConfig, tracingEnabled bool) (*gorm.DB, error) {
	d, err := lookupDriver(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(d.open(cfg), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if tracingEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("failed to enable telemetry: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	conns := cfg.MaxConns
	switch {
	case d.singleConn:
		conns = 1
	case conns <= 0:
		conns = 10
	}
	sqlDB.SetMaxOpenConns(conns)
	sqlDB.SetMaxIdleConns((conns + 1) / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Repositories bundles the repositories sharing one connection.
type Repositories struct {
	Artifacts ArtifactRepository
	gormDB    *gorm.DB
}

// RepositoryOption configures NewRepositories.
type RepositoryOption func(*repositoryOptions)

type repositoryOptions struct {
	rawSQL bool
}

// WithRawSQL serves the artifact records with plain SQL over the gorm
// connection pool. Tables are still migrated by gorm.
func WithRawSQL(enabled bool) RepositoryOption {
	return func(o *repositoryOptions) { o.rawSQL = enabled }
}

// NewRepositories migrates the tables and creates the repositories.
func NewRepositories(ctx context.Context, gormDB *gorm.DB, opts ...RepositoryOption) (*Repositories, error) {
	var o repositoryOptions
	for _, opt := range opts {
		opt(&o)
	}
	orm := NewGormArtifactRepository(gormDB)
	if err := orm.Migrate(ctx); err != nil {
		return nil, err
	}
	r := &Repositories{Artifacts: orm, gormDB: gormDB}
	if o.rawSQL {
		dialect := DialectMySQL
		if gormDB.Dialector.Name() == "postgres" {
			dialect = DialectPostgres
		}
		r.Artifacts = NewSQLArtifactRepository(r.DB(), dialect)
	}
	return r, nil
}

func (r *Repositories) Close() error {
	if r.gormDB == nil {
		return nil
	}
	sqlDB, err := r.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// HealthCheck pings the database.
func (r *Repositories) HealthCheck(ctx context.Context) error {
	sqlDB, err := r.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB returns the underlying connection pool, for the plain SQL repository.
func (r *Repositories) DB() *sql.DB {
	sqlDB, _ := r.gormDB.DB()
	return sqlDB
}

func (r *Repositories) GormDB() *gorm.DB {
	return r.gormDB
}
