package memory

import (
	"sync"
	"time"

	"github.com/taniahq/tania/pkg/types/chat"
)

// fallbackStore holds per-conversation message tails in process memory while
// the database is unreachable. Each tail is bounded at twice the recent
// message cap; older entries roll off.
type fallbackStore struct {
	mu       sync.RWMutex
	tails    map[string][]Message
	maxTail  int
	sequence int64
}

func newFallbackStore(maxRecent int) *fallbackStore {
	if maxRecent <= 0 {
		maxRecent = 10
	}
	return &fallbackStore{
		tails:   make(map[string][]Message),
		maxTail: 2 * maxRecent,
	}
}

func (f *fallbackStore) addMessage(conversationID string, role chat.Role, content string, contactID string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tail := f.tails[conversationID]
	if n := len(tail); n > 0 && tail[n-1].Role == role && tail[n-1].Content == content {
		return
	}

	f.sequence++
	var contact *string
	if contactID != "" {
		contact = &contactID
	}
	tail = append(tail, Message{
		ID:             f.sequence,
		ConversationID: conversationID,
		ContactID:      contact,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		Timestamp:      time.Now(),
	})
	if len(tail) > f.maxTail {
		tail = tail[len(tail)-f.maxTail:]
	}
	f.tails[conversationID] = tail
}

func (f *fallbackStore) getMessages(conversationID string, opts GetMessagesOptions) []Message {
	f.mu.RLock()
	defer f.mu.RUnlock()

	tail := f.tails[conversationID]
	var out []Message
	for _, m := range tail {
		if !opts.IncludeSystem && m.Role == chat.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

func (f *fallbackStore) clear(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tails, conversationID)
}
