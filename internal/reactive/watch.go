package reactive

import "context"

// Query describes a live read. Run is re-executed after every change to one of
// Topics. A skipped query never runs: its channel is closed on return.
type Query[T any] struct {
	Topics []string
	Run    func(ctx context.Context) (T, error)
	Skip   bool
}

type Result[T any] struct {
	Value T
	Err   error
}

// Watch delivers the initial result of q and then one fresh result per change
// signal until ctx is cancelled, at which point the channel is closed. A failed
// run is delivered as a Result with Err set and the watch keeps going.
func Watch[T any](ctx context.Context, hub *Hub, q Query[T]) <-chan Result[T] {
	out := make(chan Result[T])
	if q.Skip || q.Run == nil {
		close(out)
		return out
	}

	sub := hub.Subscribe(q.Topics...)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			value, err := q.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Result[T]{Value: value, Err: err}:
			case <-ctx.Done():
				return
			}
			select {
			case <-sub.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
