package assistant

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/freelaince/syncbridge/internal/kvstore"
	"github.com/freelaince/syncbridge/internal/protocol"
)

const (
	keyHistory = "assistant/history"

	// historyKeepLimit caps the stored log; historyReplayLimit is how
	// much of it a sync_history request replays.
	historyKeepLimit   = 500
	historyReplayLimit = 50
)

// historyLog is the server-side conversation transcript shared by all
// clients.
type historyLog struct {
	kv kvstore.Store

	mu    sync.Mutex
	items []protocol.HistoryItem
}

func newHistoryLog(kv kvstore.Store) (*historyLog, error) {
	l := &historyLog{kv: kv}
	values, err := kv.Get(keyHistory)
	if err != nil {
		return nil, err
	}
	if data, ok := values[keyHistory]; ok {
		if err := json.Unmarshal(data, &l.items); err != nil {
			l.items = nil
		}
	}
	return l, nil
}

func (l *historyLog) append(sender, message, clientID string) {
	if message == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, protocol.HistoryItem{
		Sender:    sender,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ClientID:  clientID,
	})
	if len(l.items) > historyKeepLimit {
		l.items = append([]protocol.HistoryItem(nil), l.items[len(l.items)-historyKeepLimit:]...)
	}
	if data, err := json.Marshal(l.items); err == nil {
		_ = l.kv.Set(map[string][]byte{keyHistory: data})
	}
}

// recent returns up to n most recent items, oldest first.
func (l *historyLog) recent(n int) []protocol.HistoryItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.items) {
		n = len(l.items)
	}
	return append([]protocol.HistoryItem(nil), l.items[len(l.items)-n:]...)
}
