package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cdc-relay/broker"
	"github.com/maxpert/cdc-relay/common"
	"github.com/maxpert/cdc-relay/db"
	"github.com/stretchr/testify/require"
)

// sleepRecorder records requested sleeps without waiting
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

var errRefused = common.NewError(common.KindTransport, "dial", errors.New("connection refused"))

// producerPool hands out scripted producers; refusals makes the first N
// connect attempts fail.
type producerPool struct {
	refusals  int
	producers []*broker.MockProducer
	built     []*broker.MockProducer
}

func (p *producerPool) factory() (broker.ProducerClient, error) {
	if p.refusals > 0 {
		p.refusals--
		return nil, errRefused
	}
	var prod *broker.MockProducer
	if len(p.producers) > 0 {
		prod, p.producers = p.producers[0], p.producers[1:]
	} else {
		prod = broker.NewMockProducer()
	}
	p.built = append(p.built, prod)
	return prod, nil
}

// consumerPool hands out scripted consumers, or readers of log when set
type consumerPool struct {
	refusals  int
	consumers []*broker.MockConsumer
	built     []*broker.MockConsumer
	log       *partitionLog
}

func (p *consumerPool) factory() (broker.ConsumerClient, error) {
	if p.refusals > 0 {
		p.refusals--
		return nil, errRefused
	}
	if p.log != nil {
		return p.log.open(), nil
	}
	var c *broker.MockConsumer
	if len(p.consumers) > 0 {
		c, p.consumers = p.consumers[0], p.consumers[1:]
	} else {
		c = &broker.MockConsumer{}
	}
	p.built = append(p.built, c)
	return c, nil
}

// partitionLog is a single partition with a group position. Every reader
// opened on it starts at the committed offset, as a rejoining group member
// would.
type partitionLog struct {
	mu        sync.Mutex
	messages  []*broker.Message
	committed int64
	commits   []int64
	readers   []*logReader
}

func newPartitionLog(payloads ...string) *partitionLog {
	p := &partitionLog{}
	for i, payload := range payloads {
		p.messages = append(p.messages, changeMessage(0, int64(i), payload))
	}
	return p
}

func (p *partitionLog) open() *logReader {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &logReader{log: p, next: p.committed}
	p.readers = append(p.readers, r)
	return r
}

// Commits returns committed offsets in commit order
func (p *partitionLog) Commits() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.commits...)
}

func (p *partitionLog) Readers() []*logReader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*logReader(nil), p.readers...)
}

type logReader struct {
	log    *partitionLog
	next   int64
	polled []int64
	closed bool
}

func (r *logReader) Subscribe(ctx context.Context, topics []string) error {
	return nil
}

func (r *logReader) Poll(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	if r.next >= int64(len(r.log.messages)) {
		return nil, nil
	}
	msg := r.log.messages[r.next]
	r.next++
	r.polled = append(r.polled, msg.Offset)
	return msg, nil
}

func (r *logReader) Assignment() []int32 {
	return []int32{0}
}

func (r *logReader) Commit(ctx context.Context, msg *broker.Message) error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	r.log.committed = msg.Offset + 1
	r.log.commits = append(r.log.commits, msg.Offset)
	return nil
}

func (r *logReader) Probe(ctx context.Context) error {
	return nil
}

func (r *logReader) Close() error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	r.closed = true
	return nil
}

func supervisorConfig(name string, sleep *sleepRecorder) broker.SupervisorConfig {
	return broker.SupervisorConfig{
		Name:          name,
		MaxRetries:    3,
		RetryInterval: 10 * time.Second,
		Sleep:         sleep.Sleep,
	}
}

func openMemoryDB(t *testing.T, ddl ...string) *db.Database {
	t.Helper()
	database, err := db.Open(context.Background(), db.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	for _, stmt := range ddl {
		_, err := database.Exec(stmt)
		require.NoError(t, err)
	}
	return database
}

func countRows(t *testing.T, database *db.Database, table string) int {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

type stepper interface {
	Step(ctx context.Context) error
	State() State
}

// stepUntil steps l until it reaches want, failing after limit steps
func stepUntil(t *testing.T, ctx context.Context, l stepper, want State, limit int) {
	t.Helper()
	for i := 0; i < limit; i++ {
		require.NoError(t, l.Step(ctx), "step %d in %s", i, l.State())
		if l.State() == want {
			return
		}
	}
	t.Fatalf("loop did not reach %s within %d steps, stuck in %s", want, limit, l.State())
}
