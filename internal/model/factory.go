package model

import (
	"fmt"
	"log"
	"makeover/internal/config"
	"makeover/internal/entity"
	"makeover/internal/model/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	DBTypeMySQL    = "mysql"
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "postgres"
)

// 需要自动迁移的表
var models = []any{
	&entity.DbProject{},
	&entity.DbSetting{},
}

// InitRepository 按配置打开数据库并迁移表结构，DBType 为空时不启用持久化。
func InitRepository(cfg *config.Config) (Repository, error) {
	dbType := strings.ToLower(strings.TrimSpace(cfg.DBType))
	if dbType == "" {
		return nil, nil
	}

	dialector, err := dialectorFor(dbType, cfg)
	if err != nil {
		return nil, err
	}
	db, err := openGormDB(dialector)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dbType, err)
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logrus.WithField("db_type", dbType).Info("repository_ready")
	return sql.NewGormRepository(db), nil
}

func dialectorFor(dbType string, cfg *config.Config) (gorm.Dialector, error) {
	switch dbType {
	case DBTypeMySQL:
		return mysql.Open(mysqlDSN(cfg)), nil
	case DBTypePostgres:
		return postgres.Open(postgresDSN(cfg)), nil
	case DBTypeSQLite:
		path, err := sqlitePath(cfg)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(path), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DBType)
	}
}

// mysqlDSN 优先使用 DSN_URL，否则由各配置项拼接
func mysqlDSN(cfg *config.Config) string {
	if cfg.DSNURL != "" {
		return cfg.DSNURL
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.DBUser, cfg.DBPassword, cfg.DBAddr, cfg.DBPort, cfg.DBName)
}

func postgresDSN(cfg *config.Config) string {
	if cfg.DSNURL != "" {
		return cfg.DSNURL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBAddr, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
}

// sqlitePath 确保数据库文件所在目录存在，SQLite 只会自动创建文件本身
func sqlitePath(cfg *config.Config) (string, error) {
	path := cfg.DBPath
	if path == "" {
		path = "datas/makeover.db"
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	return path, nil
}

func openGormDB(dialector gorm.Dialector) (*gorm.DB, error) {
	// GORM 的慢查询与错误日志并入 logrus
	gormLogger := logger.New(
		log.New(logrus.StandardLogger().WriterLevel(logrus.WarnLevel), "", 0),
		logger.Config{
			SlowThreshold:             time.Second * 5,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   gormLogger,
		DisableForeignKeyConstraintWhenMigrating: true,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}
