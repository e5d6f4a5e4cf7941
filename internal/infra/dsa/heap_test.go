package dsa

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDeadlineQueue_Order(t *testing.T) {
	q := NewDeadlineQueue(0)
	offsets := []int{5, 1, 4, 2, 3}
	for _, o := range offsets {
		q.Push(Deadline{Kind: "trade", ID: fmt.Sprintf("t%d", o), At: base.Add(time.Duration(o) * time.Minute)})
	}
	if q.Len() != 5 {
		t.Fatalf("Len = %d, want 5", q.Len())
	}

	next, ok := q.Next()
	if !ok || next.ID != "t1" {
		t.Errorf("Next = %+v, want t1", next)
	}

	due := q.PopDue(base.Add(3 * time.Minute))
	if len(due) != 3 {
		t.Fatalf("PopDue returned %d, want 3", len(due))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if due[i].ID != want {
			t.Errorf("due[%d] = %s, want %s", i, due[i].ID, want)
		}
	}
	if q.Len() != 2 {
		t.Errorf("Len after PopDue = %d, want 2", q.Len())
	}
}

func TestDeadlineQueue_Empty(t *testing.T) {
	q := NewDeadlineQueue(0)
	if _, ok := q.Next(); ok {
		t.Error("Next on empty queue should be false")
	}
	if due := q.PopDue(base); len(due) != 0 {
		t.Errorf("PopDue on empty queue = %v", due)
	}
}

func TestDeadlineQueue_TieBreak(t *testing.T) {
	q := NewDeadlineQueue(0)
	q.Push(Deadline{ID: "b", At: base})
	q.Push(Deadline{ID: "a", At: base})
	due := q.PopDue(base)
	if len(due) != 2 || due[0].ID != "a" {
		t.Errorf("tie order = %+v", due)
	}
}

func TestDeadlineQueue_Bounded(t *testing.T) {
	q := NewDeadlineQueue(2)
	if !q.Push(Deadline{ID: "1", At: base}) || !q.Push(Deadline{ID: "2", At: base}) {
		t.Fatal("pushes under limit should succeed")
	}
	if q.Push(Deadline{ID: "3", At: base}) {
		t.Error("push over limit should fail")
	}
}

func TestDeadlineQueue_Concurrent(t *testing.T) {
	q := NewDeadlineQueue(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push(Deadline{ID: fmt.Sprintf("%d-%d", i, j), At: base.Add(time.Duration(j) * time.Second)})
			}
		}(i)
	}
	wg.Wait()

	due := q.PopDue(base.Add(time.Hour))
	if len(due) != 800 {
		t.Fatalf("popped %d, want 800", len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i].At.Before(due[i-1].At) {
			t.Fatalf("out of order at %d", i)
		}
	}
}
