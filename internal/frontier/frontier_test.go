package frontier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageharvest/crawler/internal/kv"
)

// stubPolicy allows everything except URLs containing deny, and schedules the
// next fetch delay seconds out.
type stubPolicy struct {
	deny  string
	delay time.Duration
}

func (p *stubPolicy) IsAllowed(_ context.Context, url string) bool {
	return p.deny == "" || !strings.Contains(url, p.deny)
}

func (p *stubPolicy) RecordFetchAttempt(_ context.Context, _ string) (time.Time, error) {
	return time.Now().Add(p.delay), nil
}

type testRig struct {
	store *kv.Store
	files *FileStore
	mgr   *Manager
}

func newRig(t *testing.T, policy Politeness) (*testRig, string, string) {
	t.Helper()

	mr := miniredis.RunT(t)
	dataDir := t.TempDir()

	store, err := kv.Open(context.Background(), kv.Options{
		Addr:          mr.Addr(),
		DataDir:       dataDir,
		BloomCapacity: 100000,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	files, err := NewFileStore(dataDir, zap.NewNop())
	require.NoError(t, err)

	return &testRig{
		store: store,
		files: files,
		mgr:   NewManager(store, files, policy, zap.NewNop()),
	}, mr.Addr(), dataDir
}

func TestAddBatchWritesAndQueues(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{})

	written, err := rig.mgr.AddBatch(ctx, []string{
		"http://example.com/a",
		"http://example.com/b",
		"http://example.com/a", // in-batch duplicate
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	state, err := rig.store.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.FrontierOffset)
	assert.Positive(t, state.FrontierSize)
	assert.False(t, state.IsSeeded)
	assert.NotEmpty(t, state.FilePath)

	size, err := rig.files.Size("example.com")
	require.NoError(t, err)
	assert.Equal(t, state.FrontierSize, size)

	_, ok, err := rig.store.QueueScore(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second add of the same URLs is rejected by the bloom pre-check.
	written, err = rig.mgr.AddBatch(ctx, []string{"http://example.com/a", "http://example.com/b"}, 0)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Equal(t, state.FrontierSize, mustSize(t, rig.files, "example.com"))
}

func TestAddBatchFilters(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{deny: "/blocked"})

	long := "http://example.com/" + strings.Repeat("x", 2100)
	written, err := rig.mgr.AddBatch(ctx, []string{
		"http://example.com/page",
		"http://example.com/img/logo.png", // non-text
		"http://example.com/blocked",      // politeness
		long,                              // too long
		"not a url at all ://",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	url, depth, _, err := rig.files.ReadLineAt("example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/page", url)
	assert.Equal(t, 1, depth)
}

func TestAddBatchPromotesBareHost(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{})

	written, err := rig.mgr.AddBatch(ctx, []string{"gpumagick.com"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	claim, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "http://gpumagick.com/", claim.URL)
	assert.Equal(t, "gpumagick.com", claim.Domain)
}

func TestNextFIFOSingleDomain(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{})

	urls := []string{
		"http://example.com/a",
		"http://example.com/b",
		"http://example.com/c",
	}
	_, err := rig.mgr.AddBatch(ctx, urls, 0)
	require.NoError(t, err)

	var lastOffset int64
	for _, want := range urls {
		claim, err := rig.mgr.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, want, claim.URL)

		offset, _, err := rig.store.FrontierBounds(ctx, "example.com")
		require.NoError(t, err)
		assert.Greater(t, offset, lastOffset)
		lastOffset = offset
	}

	// Exhausted: the next pop drops the domain from the queue.
	claim, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, claim)

	_, ok, err := rig.store.QueueScore(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, ok, "exhausted domain must not be reinserted")

	claim, err = rig.mgr.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestNextUnreadyDomainNoOp(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{delay: time.Hour})

	_, err := rig.mgr.AddBatch(ctx, []string{"http://example.com/a", "http://example.com/b"}, 0)
	require.NoError(t, err)

	claim, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, claim)

	// The domain is now scheduled an hour out; repeated calls are no-ops
	// that preserve the score.
	scoreBefore, ok, err := rig.store.QueueScore(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		claim, err = rig.mgr.Next(ctx)
		require.NoError(t, err)
		assert.Nil(t, claim)
	}

	scoreAfter, ok, err := rig.store.QueueScore(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, scoreBefore, scoreAfter)
}

func TestNextSkipsDisallowedAndAdvances(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{deny: "/private"})

	// Bypass AddBatch's politeness filter to get a disallowed line on disk,
	// as if policy changed after the URL was enqueued.
	urls := []string{"http://x/private", "http://x/public"}
	bytes, err := rig.files.Append("x", urls, 0)
	require.NoError(t, err)
	require.NoError(t, rig.store.CommitFrontierWrite(ctx, kv.FrontierWrite{
		Domain:   "x",
		URLs:     urls,
		Bytes:    bytes,
		FilePath: rig.files.RelPath("x"),
		Now:      float64(time.Now().Unix()),
	}))

	claim, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "http://x/public", claim.URL)

	offset, size, err := rig.store.FrontierBounds(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, size, offset, "offset must advance past the skipped line")
}

func TestNextSkipsMalformedLine(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{})

	// A corrupt prefix followed by a good record, as left by a torn write.
	lines := "garbage-without-separator\nhttp://example.com/ok|0\n"
	path := rig.files.absPath("example.com")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	bytes := int64(len(lines))
	require.NoError(t, rig.store.CommitFrontierWrite(ctx, kv.FrontierWrite{
		Domain:   "example.com",
		URLs:     []string{"http://example.com/ok"},
		Bytes:    bytes,
		FilePath: rig.files.RelPath("example.com"),
		Now:      float64(time.Now().Unix()),
	}))

	claim, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "http://example.com/ok", claim.URL)
}

func TestPolitenessDelayHonored(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{delay: time.Second})

	_, err := rig.mgr.AddBatch(ctx, []string{"http://example.com/a", "http://example.com/b"}, 0)
	require.NoError(t, err)

	first, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The second URL is gated until the crawl delay elapses.
	claim, err := rig.mgr.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, claim)

	var second *Claim
	deadline := time.Now().Add(10 * time.Second)
	for second == nil && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		second, err = rig.mgr.Next(ctx)
		require.NoError(t, err)
	}
	require.NotNil(t, second)
	assert.Equal(t, "http://example.com/b", second.URL)
}

func TestQueueAddLTMonotone(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{})

	require.NoError(t, rig.store.QueueAddLT(ctx, "example.com", 100))

	// A higher score must not postpone the domain.
	require.NoError(t, rig.store.QueueAddLT(ctx, "example.com", 500))
	score, ok, err := rig.store.QueueScore(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(100), score)

	// A lower score pulls it forward.
	require.NoError(t, rig.store.QueueAddLT(ctx, "example.com", 50))
	score, _, err = rig.store.QueueScore(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, float64(50), score)
}

func TestConcurrentClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	rig, _, _ := newRig(t, &stubPolicy{})

	const domains = 20
	const perDomain = 10
	const consumers = 25
	total := domains * perDomain

	var urls []string
	for d := 0; d < domains; d++ {
		for i := 0; i < perDomain; i++ {
			urls = append(urls, fmt.Sprintf("http://site%02d.com/page%d", d, i))
		}
	}
	written, err := rig.mgr.AddBatch(ctx, urls, 0)
	require.NoError(t, err)
	require.Equal(t, total, written)

	var mu sync.Mutex
	claimed := make(map[string]int)
	count := 0

	var wg sync.WaitGroup
	deadline := time.Now().Add(30 * time.Second)
	for w := 0; w < consumers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				mu.Lock()
				done := count >= total
				mu.Unlock()
				if done {
					return
				}

				claim, err := rig.mgr.Next(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if claim == nil {
					time.Sleep(time.Millisecond)
					continue
				}
				mu.Lock()
				claimed[claim.URL]++
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, total, "every seeded URL must be claimed")
	for url, n := range claimed {
		assert.Equal(t, 1, n, "URL %s dispatched more than once", url)
	}
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	rig, addr, dataDir := newRig(t, &stubPolicy{})

	var urls []string
	for i := 0; i < 10; i++ {
		urls = append(urls, fmt.Sprintf("http://example.com/page%02d", i))
	}
	_, err := rig.mgr.AddBatch(ctx, urls, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		claim, err := rig.mgr.Next(ctx)
		require.NoError(t, err)
		require.NotNil(t, claim)
	}

	// Simulate a restart: close the store (persisting the client-side bloom)
	// and rebuild everything over the same redis and data dir.
	require.NoError(t, rig.store.Close())

	store2, err := kv.Open(ctx, kv.Options{
		Addr:          addr,
		DataDir:       dataDir,
		BloomCapacity: 100000,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	files2, err := NewFileStore(dataDir, zap.NewNop())
	require.NoError(t, err)
	mgr2 := NewManager(store2, files2, &stubPolicy{}, zap.NewNop())

	claim, err := mgr2.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "http://example.com/page05", claim.URL, "must resume from the persisted offset")

	// Re-seeding the same URLs is a no-op: the bloom filter survived.
	written, err := mgr2.AddBatch(ctx, urls, 0)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func mustSize(t *testing.T, fs *FileStore, domain string) int64 {
	t.Helper()
	size, err := fs.Size(domain)
	require.NoError(t, err)
	return size
}
