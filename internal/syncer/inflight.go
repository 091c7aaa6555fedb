package syncer

import "sync"

// inflight tracks content hashes whose embeddings are being computed
// somewhere in the current pass. Claiming a hash makes the caller its
// owner; everyone else waits on the done channel and reads the result
// from the cache, so identical content in different files costs one
// backend computation no matter which workers pick the files up.
type inflight struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

func newInflight() *inflight {
	return &inflight{m: make(map[string]chan struct{})}
}

// claim partitions hashes into those the caller now owns and those
// another caller is already computing. Every owned hash must be
// released, on failure too.
func (f *inflight) claim(hashes []string) (owned []string, theirs map[string]<-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	theirs = make(map[string]<-chan struct{})
	for _, h := range hashes {
		if done, ok := f.m[h]; ok {
			theirs[h] = done
			continue
		}
		f.m[h] = make(chan struct{})
		owned = append(owned, h)
	}
	return owned, theirs
}

// release wakes every waiter on the owned hashes whether or not the
// computation succeeded; a waiter that still misses the cache computes
// for itself.
func (f *inflight) release(hashes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, h := range hashes {
		if done, ok := f.m[h]; ok {
			close(done)
			delete(f.m, h)
		}
	}
}
