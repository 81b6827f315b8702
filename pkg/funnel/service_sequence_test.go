package funnel_test

import (
	"context"
	"sync"
	"testing"
)

func TestNextSequenceStartsAtOne(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	key := mustSequenceKey(test, "joinOrder")

	value, err := harness.service.NextSequence(context.Background(), key)
	if err != nil {
		test.Fatalf("next sequence: %v", err)
	}
	if value != 1 {
		test.Fatalf("expected first value 1, got %d", value)
	}
}

func TestNextSequenceKeysAreIndependent(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := harness.service.NextSequence(ctx, mustSequenceKey(test, "first")); err != nil {
			test.Fatalf("next sequence: %v", err)
		}
	}
	value, err := harness.service.NextSequence(ctx, mustSequenceKey(test, "second"))
	if err != nil {
		test.Fatalf("next sequence: %v", err)
	}
	if value != 1 {
		test.Fatalf("expected independent counter to start at 1, got %d", value)
	}
}

func TestNextSequenceConcurrentCallersGetDistinctValues(test *testing.T) {
	test.Parallel()
	harness := newTestHarness(test)
	key := mustSequenceKey(test, "concurrent")
	const callers = 32

	values := make(chan int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := harness.service.NextSequence(context.Background(), key)
			if err != nil {
				test.Errorf("next sequence: %v", err)
				return
			}
			values <- value
		}()
	}
	wg.Wait()
	close(values)

	seen := make(map[int64]bool, callers)
	for value := range values {
		if seen[value] {
			test.Fatalf("duplicate sequence value %d", value)
		}
		seen[value] = true
	}
	for expected := int64(1); expected <= callers; expected++ {
		if !seen[expected] {
			test.Fatalf("missing sequence value %d", expected)
		}
	}
}
