package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/cdc-relay/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	exists    bool
	existsErr error
	beginErr  error
	tx        *fakeTx
	begun     int
}

func (f *fakeSource) Exists(ctx context.Context, stream string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeSource) Begin(ctx context.Context) (Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun++
	return f.tx, nil
}

type fakeTx struct {
	columns    []string
	rows       [][]interface{}
	drainErr   error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Drain(ctx context.Context, stream string) ([]string, [][]interface{}, error) {
	return t.columns, t.rows, t.drainErr
}

func (t *fakeTx) Commit() error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	return nil
}

func TestFetchChanges_StreamNotFound(t *testing.T) {
	src := &fakeSource{exists: false, tx: &fakeTx{}}
	r, err := NewReader(ReaderConfig{Source: src})
	require.NoError(t, err)

	_, err = r.FetchChanges(context.Background(), "MISSING")
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
	assert.ErrorIs(t, err, common.ErrStreamNotFound)
	assert.Equal(t, 0, src.begun, "no transaction may be opened for a missing stream")
}

func TestFetchChanges_DrainErrorRollsBack(t *testing.T) {
	tx := &fakeTx{drainErr: errors.New("warehouse suspended")}
	r, err := NewReader(ReaderConfig{Source: &fakeSource{exists: true, tx: tx}})
	require.NoError(t, err)

	_, err = r.FetchChanges(context.Background(), "S")
	require.Error(t, err)
	assert.Equal(t, common.KindTransaction, common.KindOf(err))
	assert.ErrorIs(t, err, common.ErrStreamRead)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestFetchChanges_CommitError(t *testing.T) {
	tx := &fakeTx{columns: []string{"ID"}, rows: [][]interface{}{{1}}, commitErr: errors.New("serialization failure")}
	r, err := NewReader(ReaderConfig{Source: &fakeSource{exists: true, tx: tx}})
	require.NoError(t, err)

	_, err = r.FetchChanges(context.Background(), "S")
	assert.Equal(t, common.KindTransaction, common.KindOf(err))
}

func TestFetchChanges_ExistsError(t *testing.T) {
	r, err := NewReader(ReaderConfig{Source: &fakeSource{existsErr: errors.New("connection reset")}})
	require.NoError(t, err)

	_, err = r.FetchChanges(context.Background(), "S")
	assert.Equal(t, common.KindTransaction, common.KindOf(err))
}

func TestFetchChanges_FiltersColumns(t *testing.T) {
	tx := &fakeTx{
		columns: []string{"ID", "METADATA$ACTION", "NAME"},
		rows: [][]interface{}{
			{int64(1), "INSERT", "a"},
			{int64(2), "DELETE", "b"},
		},
	}
	filter, err := NewColumnFilter([]string{"METADATA$*"})
	require.NoError(t, err)

	r, err := NewReader(ReaderConfig{Source: &fakeSource{exists: true, tx: tx}, Filter: filter})
	require.NoError(t, err)

	batch, err := r.FetchChanges(context.Background(), "S")
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, []string{"ID", "NAME"}, batch.Columns)
	require.Equal(t, 2, batch.Len())
	assert.Equal(t, []interface{}{int64(2), "b"}, batch.Changes[1].Values)
}

func TestFetchChanges_BeforeCommitFailureRollsBack(t *testing.T) {
	tx := &fakeTx{columns: []string{"ID"}, rows: [][]interface{}{{1}}}
	r, err := NewReader(ReaderConfig{
		Source: &fakeSource{exists: true, tx: tx},
		BeforeCommit: func(ctx context.Context, b *ChangeBatch) error {
			return errors.New("spool full")
		},
	})
	require.NoError(t, err)

	_, err = r.FetchChanges(context.Background(), "S")
	assert.Equal(t, common.KindTransaction, common.KindOf(err))
	assert.True(t, tx.rolledBack)
}

func TestFetchChanges_EmptySkipsBeforeCommit(t *testing.T) {
	called := false
	tx := &fakeTx{columns: []string{"ID"}}
	r, err := NewReader(ReaderConfig{
		Source: &fakeSource{exists: true, tx: tx},
		BeforeCommit: func(ctx context.Context, b *ChangeBatch) error {
			called = true
			return nil
		},
	})
	require.NoError(t, err)

	batch, err := r.FetchChanges(context.Background(), "S")
	require.NoError(t, err)
	assert.True(t, batch.IsEmpty())
	assert.False(t, called)
	assert.True(t, tx.committed)
}

func TestNewReader_RequiresSource(t *testing.T) {
	_, err := NewReader(ReaderConfig{})
	assert.Error(t, err)
}
