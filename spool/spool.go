// Package spool persists undelivered change batches in a Pebble log so they
// survive a publisher restart. Batches are kept in FIFO order.
package spool

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/maxpert/cdc-relay/stream"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixPending = "/pending/" // /pending/{16-digit-hex-seq} -> zstd(msgpack(batch))
	keySeq        = "/seq"      // last assigned sequence, uint64 LE
)

const memTableSize = 4 << 20 // 4MB; the spool rarely holds more than a few batches

// Spool is a Pebble-backed FIFO of pending batches
type Spool struct {
	db   *pebble.DB
	path string

	mu      sync.Mutex // serializes sequence assignment
	lastSeq uint64
	count   atomic.Int64
	closed  atomic.Bool
}

// Open creates or opens the spool under dataDir
func Open(dataDir string) (*Spool, error) {
	path := filepath.Join(dataDir, "spool")

	db, err := pebble.Open(path, &pebble.Options{MemTableSize: memTableSize})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool at %s: %w", path, err)
	}

	s := &Spool{db: db, path: path}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load spool: %w", err)
	}

	if n := s.Len(); n > 0 {
		log.Info().Int("batches", n).Str("path", path).Msg("Recovered spooled batches")
	}
	return s, nil
}

func (s *Spool) load() error {
	val, closer, err := s.db.Get([]byte(keySeq))
	switch {
	case err == pebble.ErrNotFound:
		s.lastSeq = 0
	case err != nil:
		return err
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid sequence value length: %d", len(val))
		}
		s.lastSeq = binary.LittleEndian.Uint64(val)
		closer.Close()
	}

	iter, err := s.newIter()
	if err != nil {
		return err
	}
	defer iter.Close()

	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	s.count.Store(n)
	return nil
}

func (s *Spool) newIter() (*pebble.Iterator, error) {
	prefix := []byte(prefixPending)
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
}

// Append stores batch at the tail and returns its sequence number
func (s *Spool) Append(batch *stream.ChangeBatch) (uint64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("spool is closed")
	}

	val, err := encoding.MarshalCompressed(batch)
	if err != nil {
		return 0, fmt.Errorf("failed to encode batch %s: %w", batch.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.lastSeq + 1
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(formatKey(seq)), val, nil); err != nil {
		return 0, err
	}
	if err := b.Set([]byte(keySeq), seqBuf, nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to spool batch %s: %w", batch.ID, err)
	}

	s.lastSeq = seq
	s.count.Add(1)
	return seq, nil
}

// Peek returns the oldest spooled batch without removing it
func (s *Spool) Peek() (uint64, *stream.ChangeBatch, bool, error) {
	if s.closed.Load() {
		return 0, nil, false, fmt.Errorf("spool is closed")
	}

	iter, err := s.newIter()
	if err != nil {
		return 0, nil, false, err
	}
	defer iter.Close()

	if !iter.First() {
		return 0, nil, false, iter.Error()
	}

	seq, err := parseKey(iter.Key())
	if err != nil {
		return 0, nil, false, err
	}
	val, err := iter.ValueAndErr()
	if err != nil {
		return 0, nil, false, err
	}

	var batch stream.ChangeBatch
	if err := encoding.UnmarshalCompressed(val, &batch); err != nil {
		return 0, nil, false, fmt.Errorf("corrupted spool entry %d: %w", seq, err)
	}
	return seq, &batch, true, nil
}

// Remove deletes the entry at seq
func (s *Spool) Remove(seq uint64) error {
	if s.closed.Load() {
		return fmt.Errorf("spool is closed")
	}

	key := []byte(formatKey(seq))
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	closer.Close()

	if err := s.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("failed to remove spool entry %d: %w", seq, err)
	}
	s.count.Add(-1)
	return nil
}

// Len returns the number of spooled batches
func (s *Spool) Len() int {
	return int(s.count.Load())
}

// Close flushes and closes the spool
func (s *Spool) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func formatKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixPending, seq)
}

func parseKey(key []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefixPending):]), "%x", &seq); err != nil {
		return 0, fmt.Errorf("invalid spool key %q: %w", key, err)
	}
	return seq, nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
