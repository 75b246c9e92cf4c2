package pipeline

import (
	"hash/fnv"
	"sync"
)

// funnel routes work for one key onto one worker so per-key order is the
// submission order, while different keys proceed in parallel.
type funnel[T any] struct {
	mu     sync.RWMutex
	closed bool
	lanes  []chan T
	wg     sync.WaitGroup
}

func newFunnel[T any](workers, buffer int, handle func(T)) *funnel[T] {
	if workers <= 0 {
		workers = 1
	}
	f := &funnel[T]{lanes: make([]chan T, workers)}
	for i := range f.lanes {
		ch := make(chan T, buffer)
		f.lanes[i] = ch
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for item := range ch {
				handle(item)
			}
		}()
	}
	return f
}

func (f *funnel[T]) lane(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(f.lanes)))
}

// submit queues item on key's lane, blocking while that lane is full. It
// reports false once the funnel is closed.
func (f *funnel[T]) submit(key string, item T) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	f.lanes[f.lane(key)] <- item
	return true
}

// close stops accepting work and waits for queued items to be handled.
func (f *funnel[T]) close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		for _, ch := range f.lanes {
			close(ch)
		}
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *funnel[T]) depth() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, ch := range f.lanes {
		n += len(ch)
	}
	return n
}
