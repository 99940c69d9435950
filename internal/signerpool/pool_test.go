// SPDX-License-Identifier: Apache-2.0

package signerpool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestKeystore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pubring.kbx"), []byte("fake"), 0o600))
	return dir
}

// TestSaturation checks that with maxParallelSignatures = 10 and
// maxParallelTimeout = 1s, 20 concurrent requests each taking 1.5s to sign
// produce exactly 10 successes and 10 timeouts.
func TestSaturation(t *testing.T) {
	pool := New(Config{
		OriginalKeystore: newTestKeystore(t),
		KeyID: "deadbeef",
		MaxParallelSignatures: 10,
		MaxParallelTimeout: 1 * time.Second,
		SignFunc: func(_, _ string, data []byte, _ time.Time) ([]byte, error) {
			time.Sleep(1500 * time.Millisecond)
			return data, nil
		},
	})

	var succeeded, timedOut int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Sign(context.Background(), []byte("payload"), time.Now())
			switch {
			case err == nil:
				atomic.AddInt64(&succeeded, 1)
			case errors.Is(err, ErrTimeout):
				atomic.AddInt64(&timedOut, 1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, succeeded)
	require.EqualValues(t, 10, timedOut)
}

func TestReplicaRoundRobinAndCloning(t *testing.T) {
	home := newTestKeystore(t)
	require.NoError(t, os.WriteFile(filepath.Join(home, "S.gpg-agent"), []byte("socket"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(home, "secring.gpg~"), []byte("backup"), 0o600))

	pool := New(Config{
		OriginalKeystore: home,
		KeyID: "deadbeef",
		MaxParallelSignatures: 4,
		SignFunc: func(gnupgHome, _ string, data []byte, _ time.Time) ([]byte, error) {
			return []byte(gnupgHome), nil
		},
	})
	pool.Promote(3)

	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		out, err := pool.Sign(context.Background(), nil, time.Now())
		require.NoError(t, err)
		seen[string(out)] = true
	}
	require.Len(t, seen, 3)

	for replica := range seen {
		if replica == home {
			continue
		}
		_, err := os.Stat(filepath.Join(replica, "pubring.kbx"))
		require.NoError(t, err, "clone must contain non-excluded files")
		_, err = os.Stat(filepath.Join(replica, "S.gpg-agent"))
		require.Error(t, err, "clone must exclude agent sockets")
		_, err = os.Stat(filepath.Join(replica, "secring.gpg~"))
		require.Error(t, err, "clone must exclude backup files")
	}
}

func TestPromoteDoesNotRaceBoot(t *testing.T) {
	home := newTestKeystore(t)
	pool := New(Config{
		OriginalKeystore: home,
		KeyID: "deadbeef",
		MaxParallelSignatures: 2,
		SignFunc: func(gnupgHome, _ string, _ []byte, _ time.Time) ([]byte, error) {
			return []byte(gnupgHome), nil
		},
	})

	for i := 0; i < 3; i++ {
		out, err := pool.Sign(context.Background(), nil, time.Now())
		require.NoError(t, err)
		require.Equal(t, home, string(out), "pool must stay single-threaded until Promote is called")
	}
}
