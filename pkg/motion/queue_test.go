package motion

import (
	"sync"
	"testing"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 3; i++ {
		q.Push(SetPulse{Pulses: map[int]int{0: i}})
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	cmds := q.Drain()
	if len(cmds) != 3 {
		t.Fatalf("Drain returned %d commands, want 3", len(cmds))
	}
	for i, cmd := range cmds {
		if got := cmd.(SetPulse).Pulses[0]; got != i {
			t.Errorf("command %d carries %d", i, got)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty after Drain: %d", q.Len())
	}
	if cmds := q.Drain(); cmds != nil {
		t.Errorf("Drain on empty queue = %v, want nil", cmds)
	}
}

func TestQueue_DropsOldest(t *testing.T) {
	q := NewQueue(0)
	for i := 0; i < 200; i++ {
		q.Push(SetPulse{Pulses: map[int]int{0: i}})
	}

	if q.Len() != DefaultQueueSize {
		t.Fatalf("Len() = %d, want %d", q.Len(), DefaultQueueSize)
	}
	if q.Dropped() != 100 {
		t.Errorf("Dropped() = %d, want 100", q.Dropped())
	}

	cmds := q.Drain()
	for i, cmd := range cmds {
		if got, want := cmd.(SetPulse).Pulses[0], 100+i; got != want {
			t.Fatalf("command %d carries %d, want %d", i, got, want)
		}
	}
}

func TestQueue_WrapAround(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 3; i++ {
		q.Push(Release{Channels: []int{i}})
	}
	q.Drain()
	for i := 3; i < 9; i++ {
		q.Push(Release{Channels: []int{i}})
	}

	cmds := q.Drain()
	want := []int{5, 6, 7, 8}
	if len(cmds) != len(want) {
		t.Fatalf("Drain returned %d commands, want %d", len(cmds), len(want))
	}
	for i, cmd := range cmds {
		if got := cmd.(Release).Channels[0]; got != want[i] {
			t.Errorf("command %d = %d, want %d", i, got, want[i])
		}
	}
}

func TestQueue_ConcurrentPush(t *testing.T) {
	q := NewQueue(1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Push(SetNormalized{Positions: map[int]float64{g: float64(i)}})
			}
		}()
	}
	wg.Wait()

	if q.Len() != 500 {
		t.Errorf("Len() = %d, want 500", q.Len())
	}
	if q.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", q.Dropped())
	}
}
