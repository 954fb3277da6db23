// Package storage 定义存储层领域错误
//
// 各驱动实现（repository/mongostore/memstore）负责将底层错误转换为这些领域错误，
// 业务层只依赖这里的哨兵错误做判断。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在（更新或条件写入时目标行缺失）
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 条件写入失败：实体当前状态与期望不符
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)
