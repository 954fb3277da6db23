package lock

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestLocal_Lifecycle(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	assert.True(t, isClosed(l.Done()), "not leader before campaign")

	require.NoError(t, l.Campaign(ctx))
	done := l.Done()
	assert.False(t, isClosed(done))

	require.NoError(t, l.Resign(ctx))
	assert.True(t, isClosed(done))

	require.NoError(t, l.Campaign(ctx))
	assert.False(t, isClosed(l.Done()), "can be re-elected")
	require.NoError(t, l.Close())
}

func TestLocal_CampaignHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLocal().Campaign(ctx), context.Canceled)
}

func TestEtcd_RequiresEndpoints(t *testing.T) {
	_, err := NewEtcd(EtcdConfig{}, "n1")
	assert.Error(t, err)
}

func TestEtcd_SingleLeader(t *testing.T) {
	endpoints := os.Getenv("ETCD_TEST_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_TEST_ENDPOINTS not set")
	}
	cfg := EtcdConfig{Endpoints: strings.Split(endpoints, ","), Prefix: "/fleet-test-" + uuid.NewString(), SessionTTL: 5}

	a, err := NewEtcd(cfg, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEtcd(cfg, "b")
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Campaign(ctx))

	bElected := make(chan error, 1)
	go func() { bElected <- b.Campaign(ctx) }()

	select {
	case <-bElected:
		t.Fatal("second node elected while first is leader")
	case <-time.After(300 * time.Millisecond):
	}

	require.NoError(t, a.Resign(ctx))
	select {
	case err := <-bElected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second node not elected after resign")
	}
}
