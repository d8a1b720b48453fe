package sink

import (
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestBreaker(t *testing.T) {
	clock := time.Unix(0, 0)
	b := NewBreaker("test", 3, 100*time.Millisecond)
	b.now = func() time.Time { return clock }

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	clock = clock.Add(150 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	// One probe at a time.
	assert.False(t, b.Allow())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())

	clock = clock.Add(150 * time.Millisecond)
	require.True(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.failures)
	assert.Equal(t, "closed", b.State().String())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker("test-reset", 2, time.Hour)
	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) Write(rec arrow.RecordBatch) error {
	return m.Called(rec).Error(0)
}

func TestMulti(t *testing.T) {
	rec := testRecord(t)
	boom := errors.New("boom")

	a, b := &mockWriter{}, &mockWriter{}
	a.On("Write", rec).Return(boom).Once()
	b.On("Write", rec).Return(nil).Once()

	err := Multi{a, b}.Write(rec)
	require.ErrorIs(t, err, boom)
	a.AssertExpectations(t)
	b.AssertExpectations(t)

	assert.NoError(t, Multi{}.Write(rec))
	assert.NoError(t, Multi{a}.Close())
}
