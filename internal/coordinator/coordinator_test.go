package coordinator

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dhtcrawler/crawld/internal/clog"
	"github.com/dhtcrawler/crawld/internal/fetcher"
	"github.com/dhtcrawler/crawld/internal/krpc"
	"github.com/dhtcrawler/crawld/internal/store"
	"github.com/dhtcrawler/crawld/internal/sybil"
)

func openTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func validMetadata() []byte {
	// {"name":"x","length":1} hand-bencoded to avoid importing the
	// bencode package twice for one literal.
	return []byte("d4:name1:x6:lengthi1ee")
}

// S6: several peers announce the same infohash; only the first
// successful fetch is persisted, and the rest are cancelled rather than
// also calling Store.Add.
func TestSingleWinnerPerInfoHash(t *testing.T) {
	st := openTestStore(t)

	var calls int32
	block := make(chan struct{})

	fake := Fetch(func(ctx context.Context, peer krpc.Endpoint, ih krpc.ID, cfg fetcher.Config) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return validMetadata(), nil // first caller wins immediately
		}
		// Every other caller blocks until either the context is
		// cancelled (winner emerged) or the test times out.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
			return validMetadata(), nil
		}
	})

	c, err := New(Config{MaxActivePeers: 5}, clog.Nop, st, fake)
	require.NoError(t, err)

	var ih krpc.ID
	ih[0] = 0x42
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		c.HandleAnnouncement(ctx, sybil.Announcement{
			InfoHash: ih,
			Peer:     krpc.Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881 + i},
		})
	}

	require.Eventually(t, func() bool {
		return c.Completed(ih)
	}, time.Second, 10*time.Millisecond)

	c.shutdownGroups()

	isNew, err := st.IsNew(ih)
	require.NoError(t, err)
	require.False(t, isNew)
}

// Announcements for an infohash already marked completed are dropped
// without spawning any fetch job.
func TestCompletedInfoHashIsIgnored(t *testing.T) {
	st := openTestStore(t)
	var ih krpc.ID
	ih[0] = 9
	ok, err := st.Add(ih, validMetadata())
	require.NoError(t, err)
	require.True(t, ok)

	var calls int32
	fake := Fetch(func(ctx context.Context, peer krpc.Endpoint, ih krpc.ID, cfg fetcher.Config) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("should not be called")
	})
	c, err := New(Config{}, clog.Nop, st, fake)
	require.NoError(t, err)

	c.HandleAnnouncement(context.Background(), sybil.Announcement{InfoHash: ih})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

// Fan-out for one infohash never exceeds MaxActivePeersPerInfoHash live
// jobs; extra announcements are dropped, not queued.
func TestFanOutCap(t *testing.T) {
	st := openTestStore(t)
	var ih krpc.ID
	ih[0] = 3

	release := make(chan struct{})
	var inFlight int32
	var maxSeen int32
	var mu sync.Mutex

	fake := Fetch(func(ctx context.Context, peer krpc.Endpoint, ih krpc.ID, cfg fetcher.Config) ([]byte, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxSeen {
			maxSeen = n
		}
		mu.Unlock()
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil, errors.New("fail")
	})

	c, err := New(Config{MaxActivePeers: 2}, clog.Nop, st, fake)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c.HandleAnnouncement(ctx, sybil.Announcement{InfoHash: ih})
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	time.Sleep(100 * time.Millisecond)

	require.LessOrEqual(t, maxSeen, int32(2))
}
