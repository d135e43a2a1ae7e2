package locks

import (
	"sync"
	"testing"
)

func TestRegistrySerializesSameKey(t *testing.T) {
	r := NewRegistry()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := r.Lock("agent-1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestRegistryIndependentKeys(t *testing.T) {
	r := NewRegistry()

	releaseA := r.Lock("a")
	defer releaseA()

	// a held lock on "a" must not block "b"
	done := make(chan struct{})
	go func() {
		release := r.Lock("b")
		release()
		close(done)
	}()
	<-done
}

func TestRegistryCleansUpEntries(t *testing.T) {
	r := NewRegistry()

	release := r.Lock("a")
	release()
	release() // double release is a no-op

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) != 0 {
		t.Errorf("registry retained %d entries after release", len(r.entries))
	}
}
