package vnet

//
// Deferred outcomes
//

// Future is the eventual outcome of an asynchronous operation running on a
// [Loop]. The first call to resolve or reject wins; later ones are ignored.
// Callbacks registered with [Future.Then] always run on a later turn.
type Future[T any] struct {
	callbacks []func(T, error)
	err       error
	loop      *Loop
	settled   bool
	value     T
}

// newFuture creates a pending [Future] bound to the given loop.
func newFuture[T any](loop *Loop) *Future[T] {
	return &Future[T]{loop: loop}
}

// resolve settles the future successfully and returns whether it won.
func (f *Future[T]) resolve(value T) bool {
	return f.settle(value, nil)
}

// reject settles the future with an error and returns whether it won.
func (f *Future[T]) reject(err error) bool {
	return f.settle(*new(T), err)
}

func (f *Future[T]) settle(value T, err error) bool {
	if f.settled {
		return false
	}
	f.settled = true
	f.value, f.err = value, err
	for _, cb := range f.callbacks {
		f.schedule(cb)
	}
	f.callbacks = nil
	return true
}

func (f *Future[T]) schedule(cb func(T, error)) {
	value, err := f.value, f.err
	f.loop.Post(func() {
		cb(value, err)
	})
}

// Then registers a callback invoked with the outcome on a later turn.
func (f *Future[T]) Then(cb func(value T, err error)) {
	if f.settled {
		f.schedule(cb)
		return
	}
	f.callbacks = append(f.callbacks, cb)
}

// Settled returns whether the future has an outcome.
func (f *Future[T]) Settled() bool {
	return f.settled
}

// Result returns the outcome. It is only meaningful once [Future.Settled] is true.
func (f *Future[T]) Result() (T, error) {
	return f.value, f.err
}
