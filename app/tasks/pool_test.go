package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lysyi3m/rss-reader/app/apperr"
	"github.com/lysyi3m/rss-reader/app/feed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEveryFeed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var urls []string
	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("https://x/%d", i)
		require.NoError(t, h.store.AddFeed(ctx, url))
		h.retriever.serve(url, document("", feed.Item{ID: "a", Title: url}))
		urls = append(urls, url)
	}
	h.retriever.fail(urls[2], apperr.New(apperr.KindRetrieval, urls[2], "server error", nil))

	outcomes := NewPool(h.updater, 2).Run(ctx, append(urls, urls[0]))

	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		assert.Equal(t, urls[i], o.URL)
		if i == 2 {
			assert.Equal(t, StateError, o.State)
			assert.Equal(t, apperr.KindRetrieval, o.Kind)
			continue
		}
		assert.Equal(t, StateDone, o.State)
		assert.Equal(t, 1, o.New)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var inFlight, peak atomic.Int32
	h.updater.retriever = retrieveFunc(func(ctx context.Context, url string, v feed.Validators) (*feed.Retrieved, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return document(""), nil
	})

	var urls []string
	for i := 0; i < 8; i++ {
		url := fmt.Sprintf("https://x/%d", i)
		require.NoError(t, h.store.AddFeed(ctx, url))
		urls = append(urls, url)
	}

	outcomes := NewPool(h.updater, 3).Run(ctx, urls)

	assert.Len(t, outcomes, 8)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPoolCancellationStopsNewFeeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	var once sync.Once
	h.updater.retriever = retrieveFunc(func(rctx context.Context, url string, v feed.Validators) (*feed.Retrieved, error) {
		once.Do(cancel)
		return document("", feed.Item{ID: "a", Title: "A"}), nil
	})

	var urls []string
	for i := 0; i < 4; i++ {
		url := fmt.Sprintf("https://x/%d", i)
		require.NoError(t, h.store.AddFeed(context.Background(), url))
		urls = append(urls, url)
	}

	outcomes := NewPool(h.updater, 1).Run(ctx, urls)

	require.Len(t, outcomes, 1)
	assert.Equal(t, StateDone, outcomes[0].State)
	assert.Equal(t, urls[0], outcomes[0].URL)

	stored, err := h.store.GetFeed(context.Background(), urls[1])
	require.NoError(t, err)
	assert.Nil(t, stored.LastRetrieved)
}

func TestPoolAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t)

	outcomes := NewPool(h.updater, 2).Run(ctx, []string{"https://x/1"})

	assert.Empty(t, outcomes)
}

func TestExecuteReturnsTypedError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.AddFeed(ctx, testFeed))
	h.retriever.fail(testFeed, errors.New("boom"))

	err := NewUpdateFeedTask(testFeed, h.updater).Execute(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRetrieval)
}
