package a2a

import (
	"container/list"
	"sync"
	"time"
)

// Defaults for AgentConfig.MaxSessions and AgentConfig.SessionTTL.
const (
	DefaultMaxSessions = 10000
	DefaultSessionTTL  = 24 * time.Hour
)

// conversations maps ADK session ids to Dify conversation ids so that every
// session continues its own Dify conversation. It holds at most capacity
// sessions, evicting the least recently used one, and forgets a session
// that has not completed a turn within ttl. A forgotten session simply
// starts a new Dify conversation.
type conversations struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[string]*list.Element
	order    *list.List // front is most recently used
}

type conversationEntry struct {
	sessionID      string
	conversationID string
	expiresAt      time.Time
}

// newConversations returns an empty store. A ttl <= 0 disables expiry.
func newConversations(capacity int, ttl time.Duration) *conversations {
	if capacity <= 0 {
		capacity = DefaultMaxSessions
	}
	return &conversations{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *conversations) get(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[sessionID]
	if !ok {
		return ""
	}
	entry := el.Value.(*conversationEntry)
	if c.expired(entry) {
		c.remove(el)
		return ""
	}
	c.order.MoveToFront(el)
	return entry.conversationID
}

func (c *conversations) set(sessionID, conversationID string) {
	if sessionID == "" || conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[sessionID]; ok {
		entry := el.Value.(*conversationEntry)
		entry.conversationID = conversationID
		entry.expiresAt = c.expiry()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		c.remove(c.order.Back())
	}
	c.items[sessionID] = c.order.PushFront(&conversationEntry{
		sessionID:      sessionID,
		conversationID: conversationID,
		expiresAt:      c.expiry(),
	})
}

func (c *conversations) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *conversations) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(c.ttl)
}

func (c *conversations) expired(entry *conversationEntry) bool {
	return !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt)
}

func (c *conversations) remove(el *list.Element) {
	entry := el.Value.(*conversationEntry)
	delete(c.items, entry.sessionID)
	c.order.Remove(el)
}
