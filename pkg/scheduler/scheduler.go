// Package scheduler decides whether, and after how long, a failed delivery
// should be retried.
package scheduler

import (
	"fmt"
	"time"

	"github.com/sessamekesh/spanreed-message-hub/pkg/message"
)

// FailureCounter is implemented by whatever owns the failure count for one
// delivery target. IncrementFailureCount returns the updated count.
type FailureCounter interface {
	FailureCount() int
	IncrementFailureCount() int
}

// RetryPolicy maps a priority to the ordered backoff delays used before each
// retry. When a list is shorter than MaxRetryCount its last delay repeats.
type RetryPolicy struct {
	MaxRetryCount int
	Delays        map[message.MessagePriority][]time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetryCount: 5,
		Delays: map[message.MessagePriority][]time.Duration{
			message.MessagePriority_Low:      {5 * time.Second},
			message.MessagePriority_Normal:   {1 * time.Second, 5 * time.Second, 30 * time.Second},
			message.MessagePriority_High:     {1 * time.Second, 5 * time.Second, 30 * time.Second, 60 * time.Second},
			message.MessagePriority_Critical: {1 * time.Second, 5 * time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second},
		},
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetryCount < 0 {
		return fmt.Errorf("retry policy: MaxRetryCount cannot be negative (got %d)", p.MaxRetryCount)
	}
	for priority, delays := range p.Delays {
		for i, delay := range delays {
			if delay < 0 {
				return fmt.Errorf("retry policy: delay %d for priority %s is negative", i, priority)
			}
		}
	}
	return nil
}

func (p RetryPolicy) delaysFor(priority message.MessagePriority) []time.Duration {
	if delays, has := p.Delays[priority]; has {
		return delays
	}
	return p.Delays[message.MessagePriority_Normal]
}

type MessageScheduler struct {
	policy RetryPolicy
}

func CreateMessageScheduler(policy RetryPolicy) (*MessageScheduler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &MessageScheduler{policy: policy}, nil
}

func (s *MessageScheduler) Policy() RetryPolicy {
	return s.policy
}

// ShouldRetryDelivery returns the backoff before the next retry and bumps the
// counter, or false once MaxRetryCount retries have been handed out.
// Callers must serialize calls for the same counter.
func (s *MessageScheduler) ShouldRetryDelivery(priority message.MessagePriority, counter FailureCounter) (time.Duration, bool) {
	failureCount := counter.FailureCount()
	if failureCount >= s.policy.MaxRetryCount {
		return 0, false
	}

	var delay time.Duration
	delays := s.policy.delaysFor(priority)
	switch {
	case len(delays) == 0:
		delay = 0
	case failureCount < len(delays):
		delay = delays[failureCount]
	default:
		delay = delays[len(delays)-1]
	}

	counter.IncrementFailureCount()
	return delay, true
}
