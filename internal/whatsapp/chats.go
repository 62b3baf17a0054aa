package whatsapp

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/leandrotocalini/wagate/internal/messenger"
)

// chatLog remembers the last message of the most recently active chats.
// whatsmeow keeps no chat list of its own.
type chatLog struct {
	mu    sync.Mutex
	cache *lru.Cache[string, messenger.Chat]
}

func newChatLog(size int) *chatLog {
	cache, err := lru.New[string, messenger.Chat](size)
	if err != nil {
		// Only fails for size <= 0.
		cache, _ = lru.New[string, messenger.Chat](1)
	}
	return &chatLog{cache: cache}
}

// Record notes activity in chat id. An empty name keeps the one already
// known.
func (l *chatLog) Record(id, name string, isGroup bool, text string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chat, _ := l.cache.Peek(id)
	chat.ID = id
	chat.IsGroup = isGroup
	if name != "" {
		chat.Name = name
	}
	if chat.Name == "" {
		chat.Name = id
	}
	if at.Before(chat.Timestamp) {
		l.cache.Add(id, chat)
		return
	}
	chat.LastMessage = text
	chat.Timestamp = at
	l.cache.Add(id, chat)
}

// Recent returns up to limit chats, newest first. limit <= 0 returns all.
func (l *chatLog) Recent(limit int) []messenger.Chat {
	l.mu.Lock()
	chats := l.cache.Values()
	l.mu.Unlock()

	sort.Slice(chats, func(i, j int) bool {
		return chats[i].Timestamp.After(chats[j].Timestamp)
	})
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats
}
