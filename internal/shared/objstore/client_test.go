package objstore

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-coordinator/internal/config"
)

func TestScriptKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"普通脚本名", "greet.lua", "scripts/greet.lua", false},
		{"空名称", "", "", true},
		{"路径分隔符", "a/b.lua", "", true},
		{"反斜杠", `a\b.lua`, "", true},
		{"上级目录", "..lua", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ScriptKey(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidScriptName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{})
	assert.Error(t, err)

	_, err = NewClient(config.MinIOConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	c, err := NewClient(config.MinIOConfig{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "fleet-scripts", c.bucket)
	assert.Equal(t, 15*time.Minute, c.presignTTL)
}

func TestClient_UploadAndPresign(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	c, err := NewClient(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ROOT_USER"),
		SecretKey: os.Getenv("MINIO_ROOT_PASSWORD"),
		Bucket:    "fleet-test",
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, c.EnsureBucket(ctx))

	name := uuid.NewString() + ".lua"
	body := []byte("print('hi')")
	require.NoError(t, c.UploadScript(ctx, name, bytes.NewReader(body), int64(len(body))))
	defer c.DeleteScript(ctx, name)

	u, err := c.PresignScript(ctx, name)
	require.NoError(t, err)
	assert.True(t, strings.Contains(u, name))

	_, err = c.PresignScript(ctx, "missing-"+name)
	assert.ErrorIs(t, err, ErrScriptNotFound)
}
