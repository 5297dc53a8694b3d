package blockdev

import "context"

type lockKey struct{ d *Device }

// holder identifies one acquisition of the adapter lock.
type holder struct {
	depth int
}

// Lock acquires the adapter-wide lock and returns a context carrying the
// ownership. Locking again with that context (or one derived from it) only
// increments the depth, so grouped sequences may nest.
func (d *Device) Lock(ctx context.Context) (context.Context, error) {
	if h, ok := ctx.Value(lockKey{d}).(*holder); ok && d.owner.Load() == h {
		h.depth++
		return ctx, nil
	}

	select {
	case d.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx, ctx.Err()
	}

	h := &holder{depth: 1}
	d.owner.Store(h)
	return context.WithValue(ctx, lockKey{d}, h), nil
}

// Unlock releases one level of the lock held by ctx.
func (d *Device) Unlock(ctx context.Context) error {
	h, ok := ctx.Value(lockKey{d}).(*holder)
	if !ok || d.owner.Load() != h {
		return ErrNotLocked
	}

	h.depth--
	if h.depth > 0 {
		return nil
	}
	d.owner.Store(nil)
	<-d.lock
	return nil
}
