// Package objstore 封装 MinIO 对象存储客户端
//
// 存放 Agent 脚本。reload_script 命令投递前，脚本名被解析为带有效期的预签名下载 URL，
// Agent 直接从对象存储拉取，不经过协调器。
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"fleet-coordinator/internal/config"
)

// ScriptPrefix 脚本对象 key 前缀
const ScriptPrefix = "scripts/"

// ErrInvalidScriptName 脚本名非法（空、包含路径分隔或 ..）
var ErrInvalidScriptName = errors.New("invalid script name")

// ErrScriptNotFound 脚本不存在
var ErrScriptNotFound = errors.New("script not found")

// ScriptStore 脚本存储接口
type ScriptStore interface {
	UploadScript(ctx context.Context, name string, r io.Reader, size int64) error
	PresignScript(ctx context.Context, name string) (string, error)
}

// Client MinIO 客户端封装
type Client struct {
	mc         *minio.Client
	bucket     string
	presignTTL time.Duration
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "fleet-scripts"
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &Client{mc: mc, bucket: bucket, presignTTL: ttl}, nil
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.Printf("[minio] Created bucket: %s", c.bucket)
	}
	return nil
}

// ScriptKey 校验脚本名并返回对象 key
func ScriptKey(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidScriptName, name)
	}
	return path.Join(ScriptPrefix, name), nil
}

// UploadScript 上传脚本，同名覆盖
func (c *Client) UploadScript(ctx context.Context, name string, r io.Reader, size int64) error {
	key, err := ScriptKey(name)
	if err != nil {
		return err
	}
	_, err = c.mc.PutObject(ctx, c.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	log.Printf("[minio] Uploaded script: %s", key)
	return nil
}

// PresignScript 返回脚本的预签名下载 URL；脚本不存在时返回 ErrScriptNotFound
func (c *Client) PresignScript(ctx context.Context, name string) (string, error) {
	key, err := ScriptKey(name)
	if err != nil {
		return "", err
	}
	if _, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", fmt.Errorf("%w: %s", ErrScriptNotFound, name)
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, c.presignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// DeleteScript 删除脚本
func (c *Client) DeleteScript(ctx context.Context, name string) error {
	key, err := ScriptKey(name)
	if err != nil {
		return err
	}
	return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

var _ ScriptStore = (*Client)(nil)
