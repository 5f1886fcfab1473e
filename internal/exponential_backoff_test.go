package internal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func Test_GetBackoffTime(t *testing.T) {
	for i := 0; i < 20; i++ {
		backOff := GetBackoffTime(int64(i), 1*time.Microsecond, 1*time.Second)
		t.Logf("Iteration %d: %s", i, backOff)
	}
}

func Test_CyclesUntilConverge(t *testing.T) {
	var testTimes = []time.Duration{
		time.Millisecond,
		time.Microsecond,
		time.Nanosecond,
	}
	for _, testTime := range testTimes {
		var i = int64(0)
		t.Logf("Testing %s", testTime)
		for {
			backOff := GetBackoffTime(int64(i), testTime, 1*time.Second)
			t.Logf("Iteration %d: %s", i, backOff)
			i += 1
			if backOff >= 1*time.Second {
				t.Logf("Converged after %d iterations", i)
				break
			}
		}
	}
}

func Test_RetryBackedOff(t *testing.T) {
	var calls int
	err := RetryBackedOff(context.Background(), 3, time.Microsecond, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success on third attempt, got %s", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	calls = 0
	err = RetryBackedOff(context.Background(), 3, time.Microsecond, time.Millisecond, func() error {
		calls++
		return errors.New("permanent")
	})
	if err == nil {
		t.Error("Expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RetryBackedOff(ctx, 3, time.Microsecond, time.Millisecond, func() error {
		t.Error("fn must not run on a canceled context")
		return nil
	})
	if err == nil {
		t.Error("Expected context error")
	}
}
