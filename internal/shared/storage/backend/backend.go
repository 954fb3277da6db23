// Package backend 按配置构造持久化存储
package backend

import (
	"database/sql"
	"fmt"
	"log"

	"fleet-coordinator/internal/shared/storage"
	"fleet-coordinator/internal/shared/storage/dbutil"
	pgdriver "fleet-coordinator/internal/shared/storage/driver/postgres"
	sqlitedriver "fleet-coordinator/internal/shared/storage/driver/sqlite"
	"fleet-coordinator/internal/shared/storage/memstore"
	"fleet-coordinator/internal/shared/storage/mongostore"
	"fleet-coordinator/internal/shared/storage/repository"
)

// Options 存储构造参数
type Options struct {
	Driver string // memory | sqlite | postgres | mongodb
	URL    string
	DBName string // MongoDB 数据库名
}

// Open 打开存储并完成建表 / 建索引
func Open(opts Options) (storage.PersistentStore, error) {
	switch opts.Driver {
	case "memory":
		log.Printf("[storage] Using in-memory store")
		return memstore.New(), nil
	case "mongodb":
		store, err := mongostore.NewStore(opts.URL, opts.DBName)
		if err != nil {
			return nil, err
		}
		log.Printf("[storage] Using MongoDB database=%s", opts.DBName)
		return store, nil
	case "sqlite", "postgres":
		return openSQL(opts)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", opts.Driver)
	}
}

func openSQL(opts Options) (storage.PersistentStore, error) {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)
	if opts.Driver == "sqlite" {
		db, err = sqlitedriver.Open(opts.URL)
		dialect = sqlitedriver.NewDialect()
	} else {
		db, err = pgdriver.Open(opts.URL)
		dialect = pgdriver.NewDialect()
	}
	if err != nil {
		return nil, err
	}
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("auto migrate %s: %w", opts.Driver, err)
	}
	log.Printf("[storage] Using %s store", opts.Driver)
	return repository.NewStore(db, dialect), nil
}
