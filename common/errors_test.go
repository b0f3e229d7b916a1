package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindNamesCoverAllKinds(t *testing.T) {
	kinds := []ErrorKind{
		KindUnknown, KindNotFound, KindInvalidReference, KindTransport,
		KindTransaction, KindApply, KindFatal,
	}
	for _, k := range kinds {
		_, ok := kindNames[k]
		assert.True(t, ok, "kind %d has no name", int(k))
	}
	assert.Equal(t, "kind(99)", ErrorKind(99).String())
}

func TestKindOfUnwrapsChain(t *testing.T) {
	inner := NewError(KindNotFound, "FetchChanges", ErrStreamNotFound)
	wrapped := fmt.Errorf("publisher loop: %w", inner)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrStreamNotFound))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(nil, KindUnknown))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(context.Canceled))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorfHonorsWrap(t *testing.T) {
	err := Errorf(KindInvalidReference, "EnsureTargetExists", "%q: %w", "a.b", ErrInvalidReference)

	assert.Equal(t, KindInvalidReference, err.Kind)
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.Contains(t, err.Error(), "EnsureTargetExists")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindUnknown, false},
		{KindNotFound, true},
		{KindInvalidReference, false},
		{KindTransport, true},
		{KindTransaction, true},
		{KindApply, true},
		{KindFatal, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.IsRetryable())
		})
	}
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))
}
