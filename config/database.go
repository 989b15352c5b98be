package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/soporte-collab/informes-sub003/utils"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

// GetDB returns the connection set by ConnectDatabaseWithRetry, or nil when
// the run log is disabled.
func GetDB() *gorm.DB {
	return db
}

// databaseDSN builds the MySQL DSN from DB_* env variables. A DB_HOST of
// "/cloudsql/<CONNECTION_NAME>" connects over the Cloud SQL unix socket.
func databaseDSN() string {
	dbHost := os.Getenv("DB_HOST")
	cfg := mysqlDriver.NewConfig()
	cfg.User = os.Getenv("DB_USER")
	cfg.Passwd = os.Getenv("DB_PASSWORD")
	cfg.DBName = os.Getenv("DB_NAME")
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%s", dbHost, utils.EnvString("DB_PORT", "3306"))
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		cfg.Net = "unix"
		cfg.Addr = dbHost
	}
	return cfg.FormatDSN()
}

// ConnectDatabaseWithRetry blocks until MySQL accepts a connection, then
// sets the shared DB. Call it after the HTTP server listens.
func ConnectDatabaseWithRetry() {
	dsn := databaseDSN()
	conn, err := retryConnect(context.Background(), "mysql", 0, func(context.Context) (*gorm.DB, error) {
		return openDatabase(dsn)
	})
	if err != nil {
		logg.WithField("field", "mysql").Fatal(err)
	}
	db = conn
}

func openDatabase(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	// DB_MAX_OPEN_CONNS, DB_MAX_IDLE_CONNS, DB_CONN_MAX_LIFETIME_SECONDS
	if maxOpen := utils.EnvInt("DB_MAX_OPEN_CONNS", 20); maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle := utils.EnvInt("DB_MAX_IDLE_CONNS", 10); maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if life := utils.EnvSeconds("DB_CONN_MAX_LIFETIME_SECONDS", 300*time.Second); life > 0 {
		sqlDB.SetConnMaxLifetime(life)
	}

	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		logg.WithField("field", "mysql").Warnf("otelgorm plugin not installed: %v", err)
	}
	return conn, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(logg, logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Duration(utils.EnvInt("DB_SLOW_QUERY_MS", 1000)) * time.Millisecond,
		}),
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
	}
}
