package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(5 * time.Second)
	assert.Equal(t, 1, f.Waiters())

	f.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	f.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(5*time.Second), fired)
	default:
		t.Fatal("expected waiter to fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestFake_ZeroDurationFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestFake_SetOnlyMovesForward(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	f.Set(start.Add(-time.Hour))
	assert.Equal(t, start, f.Now())
	f.Set(start.Add(time.Minute))
	assert.Equal(t, start.Add(time.Minute), f.Now())
}

func TestReal_NowIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, New().Now().Location())
}
