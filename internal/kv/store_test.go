package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	dataDir := t.TempDir()

	store, err := Open(context.Background(), Options{
		Addr:          mr.Addr(),
		DataDir:       dataDir,
		BloomCapacity: 100000,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr, dataDir
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()
	store, mr, _ := newTestStore(t)

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "idempotent on rerun")

	mr.Set("schema_version", "999")
	assert.Error(t, store.EnsureSchema(ctx))
}

func TestDomainStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	// Absent domain reads as zero state.
	state, err := store.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Zero(t, state.FrontierOffset)
	assert.Zero(t, state.FrontierSize)
	assert.False(t, state.IsSeeded)

	require.NoError(t, store.CommitFrontierWrite(ctx, FrontierWrite{
		Domain:   "example.com",
		URLs:     []string{"http://example.com/a"},
		Bytes:    24,
		FilePath: "frontiers/ab/example.com.frontier",
		Now:      1000,
	}))
	require.NoError(t, store.SetFrontierOffset(ctx, "example.com", 24))
	require.NoError(t, store.SetNextFetchTime(ctx, "example.com", 2000))

	state, err = store.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(24), state.FrontierOffset)
	assert.Equal(t, int64(24), state.FrontierSize)
	assert.Equal(t, "frontiers/ab/example.com.frontier", state.FilePath)
	assert.Equal(t, int64(2000), state.NextFetchTime)

	offset, size, err := store.FrontierBounds(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(24), offset)
	assert.Equal(t, int64(24), size)
}

func TestCommitFrontierWriteAccumulatesSize(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CommitFrontierWrite(ctx, FrontierWrite{
			Domain: "example.com",
			URLs:   []string{"http://example.com/a"},
			Bytes:  10,
			Now:    1000,
		}))
	}

	_, size, err := store.FrontierBounds(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)
}

func TestQueueOps(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	_, _, ok, err := store.QueuePopMin(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.QueueAddLT(ctx, "b.com", 200))
	require.NoError(t, store.QueueAddLT(ctx, "a.com", 100))

	n, err := store.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	domain, score, ok, err := store.QueuePopMin(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a.com", domain)
	assert.Equal(t, float64(100), score)

	// LT never raises an existing score.
	require.NoError(t, store.QueueAddLT(ctx, "b.com", 900))
	score, ok, err = store.QueueScore(ctx, "b.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(200), score)

	removed, err := store.QueueRemove(ctx, "b.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestBloomFallback(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	// miniredis has no bloom module, so the client-side filter is active.
	assert.Equal(t, "client", store.BloomStats().Backend)

	exists, err := store.BloomExists(ctx, "http://example.com/a", "http://example.com/b")
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false}, exists)

	require.NoError(t, store.BloomAdd(ctx, "http://example.com/a"))

	exists, err = store.BloomExists(ctx, "http://example.com/a", "http://example.com/b")
	require.NoError(t, err)
	assert.True(t, exists[0], "added URL must always report present")
	assert.False(t, exists[1])
}

func TestBloomFallbackPersists(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	dataDir := t.TempDir()

	store, err := Open(ctx, Options{Addr: mr.Addr(), DataDir: dataDir, BloomCapacity: 100000}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.BloomAdd(ctx, "http://example.com/persisted"))
	require.NoError(t, store.Close())

	store2, err := Open(ctx, Options{Addr: mr.Addr(), DataDir: dataDir, BloomCapacity: 100000}, zap.NewNop())
	require.NoError(t, err)
	defer store2.Close()

	exists, err := store2.BloomExists(ctx, "http://example.com/persisted")
	require.NoError(t, err)
	assert.True(t, exists[0], "bloom membership must survive a restart")
}

func TestVisitedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	rec := &VisitedRecord{
		URL:         "http://example.com/page",
		URLSHA256:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Domain:      "example.com",
		StatusCode:  200,
		FetchedAt:   1700000000,
		ContentType: "text/html",
		ContentHash: "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface",
		ContentPath: "content/0123.txt",
	}
	require.NoError(t, store.PutVisited(ctx, rec))

	assert.Equal(t, "0123456789abcdef", rec.Key16())

	got, err := store.GetVisited(ctx, rec.Key16())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.URL, got.URL)
	assert.Equal(t, rec.StatusCode, got.StatusCode)
	assert.Equal(t, rec.FetchedAt, got.FetchedAt)
	assert.Equal(t, rec.ContentPath, got.ContentPath)
	assert.Empty(t, got.Error)

	missing, err := store.GetVisited(ctx, "ffffffffffffffff")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVisitedErrorRecord(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	rec := &VisitedRecord{
		URL:       "http://down.example.com/",
		URLSHA256: "aaaabbbbccccddddaaaabbbbccccddddaaaabbbbccccddddaaaabbbbccccdddd",
		Domain:    "down.example.com",
		FetchedAt: 1700000001,
		Error:     "connection refused",
	}
	require.NoError(t, store.PutVisited(ctx, rec))

	got, err := store.GetVisited(ctx, rec.Key16())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Zero(t, got.StatusCode)
	assert.Equal(t, "connection refused", got.Error)
}

func TestMarkExcluded(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	require.NoError(t, store.MarkExcluded(ctx, []string{"spam.com", "junk.net"}))

	excluded, err := store.IsExcluded(ctx, "spam.com")
	require.NoError(t, err)
	assert.True(t, excluded)

	excluded, err = store.IsExcluded(ctx, "fine.org")
	require.NoError(t, err)
	assert.False(t, excluded)
}

func TestScanDomainsAndResetFrontier(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	for _, d := range []string{"a.com", "b.com"} {
		require.NoError(t, store.CommitFrontierWrite(ctx, FrontierWrite{
			Domain: d, URLs: []string{"http://" + d + "/"}, Bytes: 12, Now: 1,
		}))
	}
	require.NoError(t, store.SetFrontierOffset(ctx, "a.com", 12))

	var seen []string
	require.NoError(t, store.ScanDomains(ctx, func(domain string) error {
		seen = append(seen, domain)
		return nil
	}))
	assert.ElementsMatch(t, []string{"a.com", "b.com"}, seen)

	require.NoError(t, store.ResetFrontier(ctx, "a.com", 40))
	offset, size, err := store.FrontierBounds(ctx, "a.com")
	require.NoError(t, err)
	assert.Zero(t, offset)
	assert.Equal(t, int64(40), size)
}

func TestRobotsCache(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	body, expires, err := store.Robots(ctx, "example.com")
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Zero(t, expires)

	require.NoError(t, store.SetRobots(ctx, "example.com", "User-agent: *\nDisallow: /x", 1234))

	body, expires, err = store.Robots(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "User-agent: *\nDisallow: /x", body)
	assert.Equal(t, int64(1234), expires)
}
