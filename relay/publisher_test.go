package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/db"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/spool"
	"github.com/maxpert/cdc-relay/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	successSleep = time.Minute
	errorSleep   = 2 * time.Minute
)

type publisherFixture struct {
	db    *db.Database
	pool  *producerPool
	sleep *sleepRecorder
	loop  *PublisherLoop
}

func newPublisherFixture(t *testing.T, pool *producerPool, mutate func(*PublisherLoopConfig)) *publisherFixture {
	t.Helper()
	database := openMemoryDB(t, `CREATE TABLE ORDERS_STREAM (ID INTEGER, STATUS TEXT, "METADATA$ACTION" TEXT)`)

	src, err := stream.NewSQLSource(database, stream.SQLSourceConfig{HoldingTable: "relay_holding", KeyColumn: "ID"})
	require.NoError(t, err)
	filter, err := stream.NewColumnFilter([]string{"METADATA$*"})
	require.NoError(t, err)
	pub, err := broker.NewPublisher(broker.PublisherConfig{
		Topic:                "cdc_events",
		DeliveryPollCount:    2,
		DeliveryPollInterval: time.Millisecond,
		FlushTimeout:         time.Millisecond,
	})
	require.NoError(t, err)

	sleep := &sleepRecorder{}
	config := PublisherLoopConfig{
		StreamName:        "ORDERS_STREAM",
		Source:            src,
		Filter:            filter,
		Publisher:         pub,
		Supervisor:        broker.NewSupervisor(supervisorConfig("producer", sleep), pool.factory),
		RetainUndelivered: true,
		SuccessSleep:      successSleep,
		ErrorSleep:        errorSleep,
		Sleep:             sleep.Sleep,
	}
	if mutate != nil {
		mutate(&config)
	}
	loop, err := NewPublisherLoop(config)
	require.NoError(t, err)
	t.Cleanup(func() { loop.Close() })

	return &publisherFixture{db: database, pool: pool, sleep: sleep, loop: loop}
}

func (f *publisherFixture) insert(t *testing.T, rows string) {
	t.Helper()
	_, err := f.db.Exec(`INSERT INTO ORDERS_STREAM VALUES ` + rows)
	require.NoError(t, err)
}

func decodeBatch(t *testing.T, msg *broker.Message) stream.ChangeBatch {
	t.Helper()
	var b stream.ChangeBatch
	require.NoError(t, encoding.UnmarshalJSON(msg.Value, &b))
	return b
}

func TestPublisherLoop_EmptyStreamSleeps(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, &producerPool{}, nil)

	stepUntil(t, ctx, f.loop, StateSleeping, 5)
	assert.Empty(t, f.pool.built[0].Published(), "empty read skips publishing")

	require.NoError(t, f.loop.Step(ctx))
	assert.Equal(t, StateReading, f.loop.State())
	assert.Equal(t, []time.Duration{successSleep}, f.sleep.Recorded())
}

func TestPublisherLoop_PublishesAndDrains(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, &producerPool{}, nil)
	f.insert(t, `(1, 'new', 'INSERT'), (2, 'paid', 'INSERT')`)

	stepUntil(t, ctx, f.loop, StatePublishing, 5)
	require.NoError(t, f.loop.Step(ctx))
	assert.Equal(t, StateSleeping, f.loop.State())

	published := f.pool.built[0].Published()
	require.Len(t, published, 1)
	b := decodeBatch(t, published[0])
	assert.Equal(t, "ORDERS_STREAM", b.Stream)
	assert.Equal(t, []string{"ID", "STATUS"}, b.Columns, "excluded columns are dropped")
	assert.Equal(t, 2, b.Len())

	assert.Equal(t, 0, countRows(t, f.db, "ORDERS_STREAM"))
	assert.Equal(t, 0, f.loop.PendingBatchCount())
	assert.Equal(t, int64(1), f.loop.Status().Counters["batches_published"])
}

func TestPublisherLoop_StreamNotFoundBacksOff(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, &producerPool{}, func(c *PublisherLoopConfig) {
		c.StreamName = "MISSING_STREAM"
	})

	stepUntil(t, ctx, f.loop, StateBackoff, 5)
	status := f.loop.Status()
	assert.Contains(t, status.LastError, "MISSING_STREAM")

	require.NoError(t, f.loop.Step(ctx))
	assert.Equal(t, StateReading, f.loop.State())
	assert.Equal(t, []time.Duration{errorSleep}, f.sleep.Recorded())
	assert.Empty(t, f.pool.built[0].Published(), "broker untouched")
	assert.Len(t, f.pool.built, 1, "source errors do not reconnect the producer")
}

func TestPublisherLoop_StartupConnectExhaustionIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, &producerPool{refusals: 100}, nil)

	err := f.loop.Step(ctx)
	require.Error(t, err)
	assert.Equal(t, common.KindFatal, common.KindOf(err))
	assert.Equal(t, StateConnecting, f.loop.State())
	assert.Len(t, f.sleep.Recorded(), 2, "sleeps between three attempts")

	assert.Error(t, f.loop.Run(ctx), "Run surfaces the fatal error")
}

func TestPublisherLoop_ConnectRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newPublisherFixture(t, &producerPool{refusals: 2}, nil)

	require.NoError(t, f.loop.Step(ctx))
	assert.Equal(t, StateReading, f.loop.State())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, f.sleep.Recorded())
}

func TestPublisherLoop_ReconnectRepublishesSameBatch(t *testing.T) {
	ctx := context.Background()
	down := broker.NewMockProducer()
	down.ProduceErr = errors.New("broker transport failure")
	pool := &producerPool{producers: []*broker.MockProducer{down}}
	f := newPublisherFixture(t, pool, nil)
	f.insert(t, `(1, 'new', 'INSERT'), (2, 'paid', 'INSERT'), (3, 'shipped', 'INSERT')`)

	stepUntil(t, ctx, f.loop, StatePublishing, 5)
	require.NoError(t, f.loop.Step(ctx))
	assert.Equal(t, StateBackoff, f.loop.State())
	assert.Equal(t, 1, f.loop.PendingBatchCount())
	// Drained from the source already; only the pending batch holds the changes
	assert.Equal(t, 0, countRows(t, f.db, "ORDERS_STREAM"))

	// Backoff -> reconnect -> Reading -> Publishing (pending) -> Sleeping
	stepUntil(t, ctx, f.loop, StateSleeping, 5)
	require.Len(t, pool.built, 2)
	assert.True(t, down.Closed, "failed handle is discarded")

	published := pool.built[1].Published()
	require.Len(t, published, 1)
	b := decodeBatch(t, published[0])
	assert.Equal(t, 3, b.Len(), "no changes omitted")
	ids := []interface{}{}
	for _, c := range b.Changes {
		id, _ := c.Get("ID")
		ids = append(ids, id)
	}
	assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, ids)
	assert.Equal(t, 0, f.loop.PendingBatchCount())
}

func TestPublisherLoop_PartialDelivery(t *testing.T) {
	for _, retain := range []bool{true, false} {
		t.Run(map[bool]string{true: "retained", false: "dropped"}[retain], func(t *testing.T) {
			ctx := context.Background()
			flaky := broker.NewMockProducer()
			flaky.FailDeliveries = 1
			pool := &producerPool{producers: []*broker.MockProducer{flaky}}
			f := newPublisherFixture(t, pool, func(c *PublisherLoopConfig) {
				c.RetainUndelivered = retain
			})
			f.insert(t, `(1, 'new', 'INSERT')`)

			stepUntil(t, ctx, f.loop, StatePublishing, 5)
			require.NoError(t, f.loop.Step(ctx))
			assert.Equal(t, StateSleeping, f.loop.State(), "partial delivery still sleeps")

			// Sleeping -> Reading -> (Publishing | Sleeping)
			require.NoError(t, f.loop.Step(ctx))
			require.NoError(t, f.loop.Step(ctx))

			if retain {
				assert.Equal(t, StatePublishing, f.loop.State())
				require.NoError(t, f.loop.Step(ctx))
				assert.Len(t, flaky.Published(), 2, "same batch republished")
				first := decodeBatch(t, flaky.Published()[0])
				second := decodeBatch(t, flaky.Published()[1])
				assert.Equal(t, first.ID, second.ID)
			} else {
				assert.Equal(t, StateSleeping, f.loop.State(), "nothing left to publish")
				assert.Len(t, flaky.Published(), 1)
			}
		})
	}
}

func TestPublisherLoop_SpoolSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sp, err := spool.Open(dir)
	require.NoError(t, err)

	down := broker.NewMockProducer()
	down.ProduceErr = errors.New("broker transport failure")
	f := newPublisherFixture(t, &producerPool{producers: []*broker.MockProducer{down}}, func(c *PublisherLoopConfig) {
		c.Spool = sp
	})
	f.insert(t, `(7, 'new', 'INSERT')`)

	stepUntil(t, ctx, f.loop, StateBackoff, 5)
	assert.Equal(t, 1, sp.Len(), "batch spooled before the source commit")
	require.NoError(t, f.loop.Close())

	// A new process picks the batch up from the spool
	sp, err = spool.Open(dir)
	require.NoError(t, err)
	pool := &producerPool{}
	restarted := newPublisherFixture(t, pool, func(c *PublisherLoopConfig) {
		c.Spool = sp
	})
	assert.Equal(t, 1, restarted.loop.PendingBatchCount())

	stepUntil(t, ctx, restarted.loop, StateSleeping, 5)
	published := pool.built[0].Published()
	require.Len(t, published, 1)
	b := decodeBatch(t, published[0])
	id, _ := b.Changes[0].Get("ID")
	assert.Equal(t, float64(7), id)
	assert.Equal(t, 0, sp.Len())
}

func TestPublisherLoop_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newPublisherFixture(t, &producerPool{}, func(c *PublisherLoopConfig) {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}
	})

	assert.NoError(t, f.loop.Run(ctx))
	assert.Equal(t, StateStopped, f.loop.State())
}
