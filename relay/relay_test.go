package relay

import (
	"context"
	"testing"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Batches flushed by the publisher reach the sink unchanged
func TestRelay_PublishedBatchesReachSink(t *testing.T) {
	ctx := context.Background()

	pub := newPublisherFixture(t, &producerPool{}, nil)
	pub.insert(t, `(1, 'new', 'INSERT'), (2, 'paid', 'UPDATE')`)
	stepUntil(t, ctx, pub.loop, StateSleeping, 5)
	pub.insert(t, `(3, 'void', 'DELETE')`)
	require.NoError(t, pub.loop.Step(ctx))
	stepUntil(t, ctx, pub.loop, StateSleeping, 3)

	published := pub.pool.built[0].Published()
	require.Len(t, published, 2)

	// Hand the records to a consumer as the broker would
	mock := &broker.MockConsumer{Partitions: []int32{0}}
	for i, msg := range published {
		delivered := *msg
		delivered.Partition = 0
		delivered.Offset = int64(i)
		mock.Push(broker.MockEvent{Message: &delivered})
	}
	mock.Push(broker.MockEvent{Err: &broker.PartitionEOF{Topic: "cdc_events", Partition: 0, Offset: int64(len(published))}})

	con := newConsumerFixture(t, openMemoryDB(t, sinkDDL), &consumerPool{consumers: []*broker.MockConsumer{mock}}, nil)
	stepUntil(t, ctx, con.loop, StatePolling, 3)
	runMessage(t, ctx, con.loop)
	runMessage(t, ctx, con.loop)
	require.NoError(t, con.loop.Step(ctx))

	assert.Len(t, mock.CommittedMessages(), 2)
	assert.Equal(t, int64(2), con.loop.PartitionPositions()[0])

	rows, err := con.db.Query(`SELECT RECORD_METADATA, RECORD_CONTENT FROM orders_sink ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()

	var batches []stream.ChangeBatch
	for rows.Next() {
		var metadata, content string
		require.NoError(t, rows.Scan(&metadata, &content))

		var meta map[string]interface{}
		require.NoError(t, encoding.UnmarshalJSON([]byte(metadata), &meta))
		assert.Equal(t, "cdc_events", meta["topic"])

		var b stream.ChangeBatch
		require.NoError(t, encoding.UnmarshalJSON([]byte(content), &b))
		batches = append(batches, b)
	}
	require.NoError(t, rows.Err())
	require.Len(t, batches, 2)

	assert.Equal(t, 2, batches[0].Len())
	assert.Equal(t, 1, batches[1].Len())
	status, _ := batches[1].Changes[0].Get("STATUS")
	assert.Equal(t, "void", status)
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
}
