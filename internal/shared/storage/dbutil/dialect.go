// Package dbutil 提供数据库方言抽象和工具函数
//
// 通过 Dialect 接口屏蔽 PostgreSQL 与 SQLite 的 SQL 差异，
// 使 repository 层可以编写与数据库无关的存储逻辑。
package dbutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DriverType 数据库驱动类型
type DriverType string

const (
	DriverPostgres DriverType = "postgres"
	DriverSQLite   DriverType = "sqlite"
)

// Dialect 数据库方言接口
//
// 差异点：
//   - 占位符：PostgreSQL 用 $1, $2；SQLite 用 ?
//   - 类型转换：PostgreSQL 有 ::type 语法
//   - 唯一键冲突的错误形态
type Dialect interface {
	// DriverType 返回驱动类型标识
	DriverType() DriverType

	// Rebind 将 PostgreSQL 风格的占位符 ($1, $2, ...) 转换为目标数据库的占位符格式
	Rebind(query string) string

	// IsDuplicateKey 判断错误是否为主键 / 唯一键冲突
	IsDuplicateKey(err error) bool

	// AutoMigrate 自动创建数据库 Schema
	AutoMigrate(db *sql.DB) error
}

// pgPlaceholderRe 匹配 PostgreSQL 风格占位符 $1, $2, ...
var pgPlaceholderRe = regexp.MustCompile(`\$(\d+)`)

// pgCastRe 匹配 PostgreSQL 类型转换 ::type
var pgCastRe = regexp.MustCompile(`::(\w+)`)

// RebindToQuestion 将 $N 占位符转换为 ?（SQLite 专用）
//
// 注意：? 按出现顺序绑定，SQL 中每个 $N 只能出现一次且按序递增。
func RebindToQuestion(query string) string {
	return pgPlaceholderRe.ReplaceAllString(query, "?")
}

// StripPgCasts 去除 PostgreSQL 类型转换 (::varchar, ::text 等)
func StripPgCasts(query string) string {
	return pgCastRe.ReplaceAllString(query, "")
}

// PlaceholderList 生成从 start 开始的 count 个占位符，如 "$3, $4, $5"
func PlaceholderList(start, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// ============================================================================
// JSON 列辅助
// ============================================================================

// ToJSON 将值编码为 JSON 文本列；nil map / slice 编码为对应空值
func ToJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON 解码 JSON 文本列；空串视为未设置
func FromJSON(raw sql.NullString, v interface{}) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), v)
}
