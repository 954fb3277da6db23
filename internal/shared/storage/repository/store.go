// Package repository 数据库无关的 SQL 存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"context"
	"database/sql"
	"errors"

	"fleet-coordinator/internal/shared/storage"
	"fleet-coordinator/internal/shared/storage/dbutil"
)

// Store 通用 SQL 存储实现
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// insert 执行 INSERT，将唯一键冲突转换为 ErrDuplicate
func (s *Store) insert(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil && s.dialect.IsDuplicateKey(err) {
		return storage.ErrDuplicate
	}
	return err
}

// conditionalUpdate 执行条件 UPDATE；未命中时区分目标不存在与前置条件不满足
func (s *Store) conditionalUpdate(ctx context.Context, table, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	exists, err := s.exists(ctx, table, id)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrConflict
}

// exists 判断指定表中是否存在该 ID（table 只来自内部常量）
func (s *Store) exists(ctx context.Context, table, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM `+table+` WHERE id = $1`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// requireRow 将未命中任何行的 UPDATE 转换为 ErrNotFound
func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// marshalMap 将 map 编码为 JSON 文本，nil 编码为 {}
func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	return dbutil.ToJSON(m)
}

func unmarshalJSON(raw sql.NullString, v interface{}) error {
	return dbutil.FromJSON(raw, v)
}
