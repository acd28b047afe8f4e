package lock

import (
	"context"
	"slices"
)

// Lockable is implemented by anything guarded by a Resource.
type Lockable interface {
	LockResource() *Resource
}

// Object pairs a value with a Resource. Reads and writes wait while another
// owner holds the lock, so a holder sees a stable value for the duration of
// a WithSynchronized block.
type Object[T any] struct {
	res   *Resource
	value T
}

func NewObject[T any](v T) *Object[T] {
	return &Object[T]{res: NewResource(), value: v}
}

func (o *Object[T]) LockResource() *Resource {
	if o == nil {
		return nil
	}
	return o.res
}

func (o *Object[T]) Get(owner Owner) (T, error) {
	if err := o.res.Lock(owner); err != nil {
		var zero T
		return zero, err
	}
	defer o.res.Unlock(owner)
	return o.value, nil
}

func (o *Object[T]) Set(owner Owner, v T) error {
	if err := o.res.Lock(owner); err != nil {
		return err
	}
	defer o.res.Unlock(owner)
	o.value = v
	return nil
}

// Update replaces the value with fn(current) while holding the lock.
func (o *Object[T]) Update(owner Owner, fn func(T) T) error {
	if err := o.res.Lock(owner); err != nil {
		return err
	}
	defer o.res.Unlock(owner)
	o.value = fn(o.value)
	return nil
}

// WithSynchronized acquires every resource for owner in a global order,
// runs body, and releases them in reverse order. Releases happen even when
// body panics. If a resource is gone, the ones already held are released
// and body does not run.
func WithSynchronized(owner Owner, items []Lockable, body func() error) error {
	return WithSynchronizedContext(context.Background(), owner, items, body)
}

func WithSynchronizedContext(ctx context.Context, owner Owner, items []Lockable, body func() error) error {
	resources := make([]*Resource, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		if r := it.LockResource(); r != nil {
			resources = append(resources, r)
		}
	}
	slices.SortFunc(resources, func(a, b *Resource) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	resources = slices.Compact(resources)

	for _, r := range resources {
		if err := r.LockContext(ctx, owner); err != nil {
			return err
		}
		defer r.Unlock(owner)
	}
	return body()
}
