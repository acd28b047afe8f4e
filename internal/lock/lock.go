// Package lock provides a reentrant, owner-tracked lock and helpers for
// acquiring several of them in a stable order.
//
// Go has no goroutine identity, so ownership is carried by an explicit Owner
// token. A goroutine (or a logical call chain) obtains one with NewOwner and
// passes it to every Lock and Unlock call it makes.
package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrResourceGone is returned by Lock when the resource was closed before or
// while the caller was waiting for it.
var ErrResourceGone = errors.New("lock: resource gone")

var ErrZeroOwner = errors.New("lock: zero owner")

// Owner identifies a lock holder. The zero Owner never holds a lock.
type Owner uint64

var (
	ownerSeq    atomic.Uint64
	resourceSeq atomic.Uint64
)

func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

// Resource is a reentrant lock. The same owner may acquire it repeatedly and
// must release it the same number of times.
type Resource struct {
	seq uint64

	mu     sync.Mutex
	cond   *sync.Cond
	owner  Owner
	depth  int
	closed bool
}

func NewResource() *Resource {
	r := &Resource{seq: resourceSeq.Add(1)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Resource) LockResource() *Resource { return r }

func (r *Resource) Lock(o Owner) error {
	return r.LockContext(context.Background(), o)
}

// LockContext behaves like Lock but gives up when ctx is done.
func (r *Resource) LockContext(ctx context.Context, o Owner) error {
	if o == 0 {
		return ErrZeroOwner
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		})
		defer stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.closed {
			return ErrResourceGone
		}
		if r.depth == 0 || r.owner == o {
			r.owner = o
			r.depth++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
}

// Unlock releases one level of ownership. Calls from anyone other than the
// current owner are ignored.
func (r *Resource) Unlock(o Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.depth == 0 || r.owner != o {
		return
	}
	r.depth--
	if r.depth == 0 {
		r.owner = 0
		r.cond.Broadcast()
	}
}

func (r *Resource) IsLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth > 0
}

func (r *Resource) LockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth
}

func (r *Resource) Owner() Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Close marks the resource as gone. Pending and future Lock calls fail with
// ErrResourceGone.
func (r *Resource) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.owner = 0
	r.depth = 0
	r.cond.Broadcast()
}
