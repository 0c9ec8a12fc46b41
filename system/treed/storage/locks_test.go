package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/signadot/livetree/ir"
)

func TestLocksDisjoint(t *testing.T) {
	l := NewLocks()
	ctx := context.Background()
	u1, err := l.Lock(ctx, ir.MustParsePath("/a/b"))
	if err != nil {
		t.Fatal(err)
	}
	u2, err := l.Lock(ctx, ir.MustParsePath("/a/c"))
	if err != nil {
		t.Fatal(err)
	}
	if l.Held() != 2 {
		t.Errorf("held %d", l.Held())
	}
	u1()
	u2()
	u2()
	if l.Held() != 0 {
		t.Errorf("held %d after unlock", l.Held())
	}
}

func TestLocksOverlapBlocks(t *testing.T) {
	for _, second := range []string{"/a", "/a/b", "/a/b/c", "/"} {
		t.Run(second, func(t *testing.T) {
			l := NewLocks()
			unlock, err := l.Lock(context.Background(), ir.MustParsePath("/a/b"))
			if err != nil {
				t.Fatal(err)
			}
			got := make(chan struct{})
			go func() {
				u, err := l.Lock(context.Background(), ir.MustParsePath(second))
				if err != nil {
					t.Error(err)
					return
				}
				close(got)
				u()
			}()
			select {
			case <-got:
				t.Fatal("overlapping lock granted while held")
			case <-time.After(50 * time.Millisecond):
			}
			unlock()
			select {
			case <-got:
			case <-time.After(time.Second):
				t.Fatal("lock not granted after release")
			}
		})
	}
}

func TestLocksFIFO(t *testing.T) {
	l := NewLocks()
	ctx := context.Background()
	unlock, _ := l.Lock(ctx, ir.MustParsePath("/a"))
	order := make(chan int, 2)
	queued := make(chan struct{})
	go func() {
		close(queued)
		u, _ := l.Lock(ctx, ir.MustParsePath("/a/b"))
		order <- 1
		time.Sleep(10 * time.Millisecond)
		u()
	}()
	<-queued
	time.Sleep(20 * time.Millisecond)
	go func() {
		// /a/b/c conflicts with the earlier waiter, so it waits its turn.
		u, _ := l.Lock(ctx, ir.MustParsePath("/a/b/c"))
		order <- 2
		u()
	}()
	time.Sleep(20 * time.Millisecond)
	unlock()
	if a, b := <-order, <-order; a != 1 || b != 2 {
		t.Errorf("grant order %d %d", a, b)
	}
}

func TestLocksContextCancel(t *testing.T) {
	l := NewLocks()
	unlock, _ := l.Lock(context.Background(), ir.MustParsePath("/a"))
	defer unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Lock(ctx, ir.MustParsePath("/a"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// a cancelled waiter must not block later disjoint or overlapping locks
	unlock()
	u, err := l.Lock(context.Background(), ir.MustParsePath("/a"))
	if err != nil {
		t.Fatal(err)
	}
	u()
}
