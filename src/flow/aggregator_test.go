package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/store/memory_store"
	"example.com/meter-logger/src/transport/transporttest"
)

func TestPublishGroupedCollectsMembers(t *testing.T) {
	tr := connectedFake(t)
	agg := NewAggregator(tr, "vz/", 1, true, time.Second, nil)
	ctx := context.Background()

	require.NoError(t, agg.PublishGrouped(ctx, "house", "a", 1.5, time.UnixMilli(1000)))
	require.NoError(t, agg.PublishGrouped(ctx, "house", "b", -2, time.UnixMilli(2000)))
	require.NoError(t, agg.PublishGrouped(ctx, "garage", "a", 7, time.UnixMilli(3000)))

	published := tr.Published()
	require.Len(t, published, 3)

	assert.Equal(t, "vz/house", published[0].Topic)
	assert.JSONEq(t, `{"timestamp":1000,"a":1.5}`, string(published[0].Payload))
	assert.Equal(t, byte(1), published[0].QoS)
	assert.True(t, published[0].Retain)

	assert.Equal(t, "vz/house", published[1].Topic)
	assert.JSONEq(t, `{"timestamp":2000,"a":1.5,"b":-2}`, string(published[1].Payload))

	assert.Equal(t, "vz/garage", published[2].Topic)
	assert.JSONEq(t, `{"timestamp":3000,"a":7}`, string(published[2].Payload))
}

func TestPublishGroupedKeepsValueOnFailure(t *testing.T) {
	tr := connectedFake(t)
	tr.FailPublish("house", 1)
	agg := NewAggregator(tr, "", 0, false, time.Second, nil)
	ctx := context.Background()

	assert.ErrorIs(t, agg.PublishGrouped(ctx, "house", "a", 1, time.UnixMilli(1000)), transporttest.ErrInjected)
	require.Contains(t, agg.groups, "house")
	assert.Equal(t, 1.0, agg.groups["house"].snapshot.Members["a"])

	require.NoError(t, agg.PublishGrouped(ctx, "house", "b", 2, time.UnixMilli(2000)))
	published := tr.Published()
	require.Len(t, published, 1)
	assert.JSONEq(t, `{"timestamp":2000,"a":1,"b":2}`, string(published[0].Payload))
}

func TestPublishGroupedRestoresFromStore(t *testing.T) {
	state := memory_store.NewMemoryStore()
	ctx := context.Background()

	first := NewAggregator(connectedFake(t), "", 0, false, time.Second, state)
	require.NoError(t, first.PublishGrouped(ctx, "house", "a", 1, time.UnixMilli(1000)))

	tr := connectedFake(t)
	second := NewAggregator(tr, "", 0, false, time.Second, state)
	require.NoError(t, second.PublishGrouped(ctx, "house", "b", 2, time.UnixMilli(2000)))
	assert.JSONEq(t, `{"timestamp":2000,"a":1,"b":2}`, string(tr.Published()[0].Payload))
}

func TestPublishGroupedRejectsEmptyKey(t *testing.T) {
	agg := NewAggregator(connectedFake(t), "", 0, false, time.Second, nil)
	err := agg.PublishGrouped(context.Background(), "", "a", 1, time.Now())
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	assert.Empty(t, agg.groups)
}

func TestGroupSnapshotTimestampWins(t *testing.T) {
	payload, err := GroupSnapshot{Timestamp: 5, Members: map[string]float64{"timestamp": 1, "x": 2}}.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"timestamp":5,"x":2}`, string(payload))
}
