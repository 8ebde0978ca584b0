package database

import (
	"context"
	"eth-indexer/config"
	"eth-indexer/logger"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const maintenanceDatabase = "postgres"

var (
	// Entities by table name. The order of creation and of writes comes
	// from POSTGRES_CREATE_TABLE_ORDER.
	tableEntities = map[string]interface{}{
		BlocksTable:         &Block{},
		TransactionsTable:   &Transaction{},
		ReceiptsTable:       &TransactionReceipt{},
		AddressesTable:      &Address{},
		ContractsTable:      &Contract{},
		TokensTable:         &Token{},
		TokenTransfersTable: &TokenTransfer{},
		LogsTable:           &Log{},
	}

	// Tables each table references through a foreign key.
	tableDependencies = map[string][]string{
		BlocksTable:         nil,
		TransactionsTable:   {BlocksTable},
		ReceiptsTable:       {BlocksTable, TransactionsTable},
		AddressesTable:      {BlocksTable},
		ContractsTable:      {BlocksTable, TransactionsTable},
		TokensTable:         {ContractsTable},
		TokenTransfersTable: {BlocksTable, TransactionsTable},
		LogsTable:           {BlocksTable, TransactionsTable},
	}

	bookkeepingEntities = []interface{}{
		&State{},
		&Configuration{},
	}

	DBTransactionBatchesSize = 1000
)

// TableOrder checks that the given order names every table exactly once and
// lists each table after the tables it references.
func TableOrder(tables []string) ([]string, error) {
	if len(tables) != len(tableEntities) {
		return nil, errors.Errorf("table order must list %d tables, got %d", len(tableEntities), len(tables))
	}

	seen := make(map[string]bool, len(tables))
	for _, table := range tables {
		deps, ok := tableDependencies[table]
		if !ok {
			return nil, errors.Errorf("unknown table %q in table order", table)
		}
		if seen[table] {
			return nil, errors.Errorf("table %q listed twice in table order", table)
		}
		for _, dep := range deps {
			if !seen[dep] {
				return nil, errors.Errorf("table %q must come after %q", table, dep)
			}
		}
		seen[table] = true
	}

	return slices.Clone(tables), nil
}

func ConnectAndInitialize(ctx context.Context, cfg *config.DBConfig) (*gorm.DB, []string, error) {
	order, err := TableOrder(cfg.CreateTableOrderList())
	if err != nil {
		return nil, nil, errors.Wrap(err, "ConnectAndInitialize")
	}

	if err := EnsureDatabase(ctx, cfg); err != nil {
		return nil, nil, fmt.Errorf("ConnectAndInitialize: EnsureDatabase: %w", err)
	}

	db, err := Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ConnectAndInitialize: Connect: %w", err)
	}

	if err := InitializeSchema(ctx, db, cfg, order); err != nil {
		return nil, nil, err
	}

	return db, order, nil
}

// InitializeSchema creates or migrates the tables when the stored schema
// version differs from the configured one.
func InitializeSchema(ctx context.Context, db *gorm.DB, cfg *config.DBConfig, order []string) error {
	db = db.WithContext(ctx)

	if cfg.DropTableAtStart {
		if err := dropTables(db, order); err != nil {
			return errors.Wrap(err, "InitializeSchema: DropTable")
		}
	}

	if err := db.AutoMigrate(bookkeepingEntities...); err != nil {
		return errors.Wrap(err, "InitializeSchema: AutoMigrate")
	}

	var stored Configuration
	err := db.Order("id DESC").Limit(1).Find(&stored).Error
	if err != nil {
		return errors.Wrap(err, "InitializeSchema: read version")
	}
	if stored.Version == cfg.Version && allTablesExist(db, order) {
		logger.Info("Database schema is at version %s", stored.Version)
		return nil
	}

	logger.Info("Migrating database schema from version %q to %q", stored.Version, cfg.Version)
	for _, table := range order {
		if err := db.AutoMigrate(tableEntities[table]); err != nil {
			return errors.Wrapf(err, "InitializeSchema: AutoMigrate %s", table)
		}
	}

	err = db.Create(&Configuration{Version: cfg.Version, Updated: time.Now()}).Error
	if err != nil {
		return errors.Wrap(err, "InitializeSchema: store version")
	}

	return nil
}

func allTablesExist(db *gorm.DB, order []string) bool {
	for _, table := range order {
		if !db.Migrator().HasTable(table) {
			return false
		}
	}
	return true
}

// dropTables drops in reverse order to not break foreign keys.
func dropTables(db *gorm.DB, order []string) error {
	for i := len(order) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(tableEntities[order[i]]); err != nil {
			return err
		}
	}
	return db.Migrator().DropTable(bookkeepingEntities...)
}

func Connect(cfg *config.DBConfig) (*gorm.DB, error) {
	gormConfig := gorm.Config{
		Logger:          gormlogger.Default.LogMode(getGormLogLevel(cfg)),
		CreateBatchSize: DBTransactionBatchesSize,
	}

	db, err := gorm.Open(postgres.Open(dsn(cfg, cfg.Database)), &gormConfig)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Writers plus one connection for reads by the planner and reconciler.
	sqlDB.SetMaxOpenConns(cfg.NbOfConnections + 1)
	sqlDB.SetMaxIdleConns(cfg.NbOfConnections + 1)

	return db, nil
}

// EnsureDatabase creates the configured database when it does not exist yet.
func EnsureDatabase(ctx context.Context, cfg *config.DBConfig) error {
	conn, err := pgx.Connect(ctx, dsn(cfg, maintenanceDatabase))
	if err != nil {
		return errors.Wrap(err, "pgx.Connect")
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", cfg.Database).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "query pg_database")
	}
	if exists {
		return nil
	}

	logger.Info("Creating database %s", cfg.Database)
	_, err = conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{cfg.Database}.Sanitize())
	return errors.Wrap(err, "create database")
}

func dsn(cfg *config.DBConfig, database string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + database,
	}
	q := u.Query()
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func getGormLogLevel(cfg *config.DBConfig) gormlogger.LogLevel {
	if cfg.LogQueries {
		return gormlogger.Info
	}

	return gormlogger.Silent
}
