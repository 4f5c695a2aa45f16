package usecase

import (
	"context"
	"errors"
	"hash/fnv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkb/internal/adapter/cache"
	"pkb/internal/domain"
	"pkb/internal/port"
)

func TestGenerator_PreservesInputOrder(t *testing.T) {
	client := newFakeClient()
	// Later records finish first within a batch.
	client.delay = func(text string) time.Duration {
		h := fnv.New32a()
		h.Write([]byte(text))
		return time.Duration(h.Sum32()%15) * time.Millisecond
	}

	recs := records("价格偏高", "质量问题", "物流太慢", "客服态度差", "包装破损", "颜色不符", "尺码偏小", "做工粗糙", "功能单一", "续航不足")
	g := NewGenerator(NewEmbedder(client, nil, fastRetry, nil, nil), 4, 3, nil)

	res, err := g.Generate(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, res.Results, len(recs))

	for i, r := range res.Results {
		assert.Equal(t, recs[i].ID, r.RecordID)
		want, err := client.inner.Embed(context.Background(), recs[i].Text)
		require.NoError(t, err)
		assert.Equal(t, want, r.Vector, "result %d must belong to record %d", i, i)
	}
	assert.Equal(t, len(recs), res.Embedded)
	assert.LessOrEqual(t, client.peak.Load(), int32(3), "pool must stay bounded")
}

func TestGenerator_Counts(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.permanent["坏数据"] = true
	client.transient["偶发失败"] = fastRetry.MaxAttempts

	c := cache.NewEmbeddingCache(10, client.Model())
	cachedVec, err := client.inner.Embed(ctx, "已缓存")
	require.NoError(t, err)
	c.Store(ctx, "已缓存", client.Model(), cachedVec)

	g := NewGenerator(NewEmbedder(client, c, fastRetry, nil, nil), 10, 2, nil)
	res, err := g.Generate(ctx, records("已缓存", "新文本", "坏数据", "偶发失败"))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Cached)
	assert.Equal(t, 1, res.Embedded)
	assert.Equal(t, 2, res.Failed)
	assert.True(t, res.Results[0].Cached)
	assert.ErrorIs(t, res.Results[2].Err, port.ErrPermanent)
	assert.ErrorIs(t, res.Results[3].Err, port.ErrTransient)
	assert.Zero(t, client.callsFor("已缓存"))
}

func TestGenerator_StreamsBatches(t *testing.T) {
	g := NewGenerator(NewEmbedder(newFakeClient(), nil, fastRetry, nil, nil), 2, 2, nil)

	var offsets []int
	res, err := g.Run(context.Background(), records("a", "b", "c", "d", "e"), func(b Batch) error {
		offsets = append(offsets, b.Offset)
		assert.Len(t, b.Results, len(b.Records))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, offsets)
	assert.Len(t, res.Results, 5)
}

func TestGenerator_CallbackErrorStops(t *testing.T) {
	g := NewGenerator(NewEmbedder(newFakeClient(), nil, fastRetry, nil, nil), 1, 1, nil)

	stop := errors.New("stop")
	batches := 0
	_, err := g.Run(context.Background(), records("a", "b", "c"), func(b Batch) error {
		batches++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, batches)
}

func TestGenerator_CancellationFinishesDispatchedBatch(t *testing.T) {
	client := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, 8)
	client.delay = func(string) time.Duration {
		started <- struct{}{}
		return 20 * time.Millisecond
	}

	g := NewGenerator(NewEmbedder(client, nil, fastRetry, nil, nil), 3, 3, nil)
	go func() {
		<-started
		cancel()
	}()

	res, err := g.Run(ctx, records("a", "b", "c", "d", "e", "f"), nil)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, res.Results, 3, "the dispatched batch completes")
	for _, r := range res.Results {
		assert.True(t, r.OK(), "in-flight calls are not cancelled: %v", r.Err)
	}
	assert.Equal(t, 3, client.totalCalls(), "the second batch is never started")
}

func TestGenerator_Empty(t *testing.T) {
	g := NewGenerator(NewEmbedder(newFakeClient(), nil, fastRetry, nil, nil), 10, 2, nil)
	res, err := g.Generate(context.Background(), []domain.Record{})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}
