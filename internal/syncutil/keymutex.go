package syncutil

import "sync"

// KeyMutex serializes work per key. Distinct keys never contend.
type KeyMutex[K comparable] struct {
	muxs sync.Map
}

// Lock acquires the mutex for key and returns its release func.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	v, _ := km.muxs.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex) //nolint:forcetypeassert
	m.Lock()
	return m.Unlock
}
