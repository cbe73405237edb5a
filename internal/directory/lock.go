package directory

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// stripedLock serialises operations on the same (room, user) pair without
// a global lock. Distinct pairs may share a stripe.
type stripedLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLock) lock(roomID, userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
