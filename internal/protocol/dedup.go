package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultDedupCapacity = 1000
	dedupBucket          = time.Minute
)

// DedupWindow is a bounded set of recently seen chat fingerprints.
// At-least-once delivery without server-side idempotency keys means
// the same chat message can arrive twice; the window silently absorbs
// the repeat. When the cap is exceeded the oldest half is evicted;
// capacity pressure is never surfaced as an error.
type DedupWindow struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	order    []string
	capacity int
}

func NewDedupWindow(capacity int) *DedupWindow {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &DedupWindow{
		seen:     make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// Fingerprint hashes sender and content together with a coarse time
// bucket, so a retransmit within the bucket collapses while the same
// text sent much later does not.
func Fingerprint(sender, content string, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	bucket := at.Truncate(dedupBucket).Unix()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bucket >> (8 * i))
	}
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Observe records a fingerprint. It returns false if the fingerprint
// was already present (a duplicate), true otherwise.
func (w *DedupWindow) Observe(fingerprint string) bool {
	if w == nil || fingerprint == "" {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.seen[fingerprint]; dup {
		return false
	}
	w.seen[fingerprint] = struct{}{}
	w.order = append(w.order, fingerprint)
	if len(w.order) > w.capacity {
		keep := w.capacity / 2
		evict := w.order[:len(w.order)-keep]
		for _, old := range evict {
			delete(w.seen, old)
		}
		w.order = append([]string(nil), w.order[len(w.order)-keep:]...)
	}
	return true
}

// Len reports the current number of tracked fingerprints.
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}
