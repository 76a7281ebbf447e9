package scheduler

import (
	"testing"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n int
}

func (c *counter) FailureCount() int { return c.n }

func (c *counter) IncrementFailureCount() int {
	c.n++
	return c.n
}

func TestMessageScheduler_WalksDelayListThenRepeatsLast(t *testing.T) {
	s, err := CreateMessageScheduler(RetryPolicy{
		MaxRetryCount: 4,
		Delays: map[message.MessagePriority][]time.Duration{
			message.MessagePriority_High: {time.Second, 2 * time.Second},
		},
	})
	require.NoError(t, err)

	c := &counter{}
	expected := []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}
	for i, want := range expected {
		delay, ok := s.ShouldRetryDelivery(message.MessagePriority_High, c)
		require.True(t, ok, "attempt %d", i)
		assert.Equal(t, want, delay, "attempt %d", i)
		assert.Equal(t, i+1, c.n)
	}

	_, ok := s.ShouldRetryDelivery(message.MessagePriority_High, c)
	assert.False(t, ok)
	assert.Equal(t, 4, c.n, "exhausted calls must not bump the counter")
}

func TestMessageScheduler_ZeroMaxRetryCountNeverRetries(t *testing.T) {
	s, err := CreateMessageScheduler(RetryPolicy{MaxRetryCount: 0})
	require.NoError(t, err)

	c := &counter{}
	_, ok := s.ShouldRetryDelivery(message.MessagePriority_Critical, c)
	assert.False(t, ok)
	assert.Equal(t, 0, c.n)
}

func TestMessageScheduler_UnknownPriorityUsesNormalDelays(t *testing.T) {
	s, err := CreateMessageScheduler(RetryPolicy{
		MaxRetryCount: 1,
		Delays: map[message.MessagePriority][]time.Duration{
			message.MessagePriority_Normal: {7 * time.Second},
		},
	})
	require.NoError(t, err)

	delay, ok := s.ShouldRetryDelivery(message.MessagePriority_Critical, &counter{})
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, delay)
}

func TestMessageScheduler_EmptyDelayListRetriesImmediately(t *testing.T) {
	s, err := CreateMessageScheduler(RetryPolicy{MaxRetryCount: 2})
	require.NoError(t, err)

	delay, ok := s.ShouldRetryDelivery(message.MessagePriority_Low, &counter{})
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), delay)
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.Error(t, RetryPolicy{MaxRetryCount: -1}.Validate())
	assert.Error(t, RetryPolicy{
		MaxRetryCount: 1,
		Delays: map[message.MessagePriority][]time.Duration{
			message.MessagePriority_Low: {-time.Second},
		},
	}.Validate())

	_, err := CreateMessageScheduler(RetryPolicy{MaxRetryCount: -3})
	assert.Error(t, err)
}

func TestDefaultRetryPolicy_CriticalBackoff(t *testing.T) {
	s, err := CreateMessageScheduler(DefaultRetryPolicy())
	require.NoError(t, err)

	c := &counter{}
	var got []time.Duration
	for {
		delay, ok := s.ShouldRetryDelivery(message.MessagePriority_Critical, c)
		if !ok {
			break
		}
		got = append(got, delay)
	}

	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second}, got)
}
