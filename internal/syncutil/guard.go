package syncutil

// Locker is satisfied by both Mutex variants.
type Locker interface {
	Lock()
	Unlock()
}

// With runs fn while holding l.
func With[T any](l Locker, fn func() T) T {
	l.Lock()
	defer l.Unlock()
	return fn()
}
