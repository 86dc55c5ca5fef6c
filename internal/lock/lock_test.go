package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalSerialisesPerKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "wir-code:WIR")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "k"); err == nil {
		t.Fatalf("expected context error while key is held")
	}
	release()
	other, err := l.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("key should be free again: %v", err)
	}
	other()
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l := NewLocal()
	held, err := l.Acquire(context.Background(), "wir-code:WIR")
	if err != nil {
		t.Fatal(err)
	}
	defer held()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := l.Acquire(ctx, "wir-code:QA")
	if err != nil {
		t.Fatalf("a different key should not wait: %v", err)
	}
	other()
}
