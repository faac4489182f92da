package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"

	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
)

const maxKeyLength = 200

// EntityKey derives the business key stored for an entity found through updateKey.
// Long values are replaced by their SHA-256 so the key fits the column.
func EntityKey(updateKey string, value interface{}) string {
	key := updateKey + "=" + dsl.Stringify(value)
	if len(key) <= maxKeyLength {
		return key
	}
	return updateKey + "#sha256:" + valueHash(value)
}

func valueHash(v interface{}) string {
	sum := sha256.Sum256([]byte(dsl.Stringify(v)))
	return hex.EncodeToString(sum[:])
}

// KeyLock serializes work on the same key inside one process. Keys hash onto a fixed set of
// mutexes, so unrelated keys may occasionally wait for each other.
type KeyLock struct {
	stripes [64]sync.Mutex
}

// NewKeyLock creates a KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{}
}

// Lock acquires the stripe of key and returns its unlock function.
func (l *KeyLock) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
