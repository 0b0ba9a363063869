package link

import "context"

// await runs fn and waits for its result or ctx, whichever comes first.
// Blocking stack calls cannot be interrupted, so when ctx wins the call
// keeps running and cleanup (if set) receives its successful result.
func await[T any](ctx context.Context, fn func() (T, error), cleanup func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if cleanup != nil {
			go func() {
				if r := <-ch; r.err == nil {
					cleanup(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
