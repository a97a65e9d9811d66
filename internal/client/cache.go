package client

import (
	"slices"
	"sort"
	"sync"

	"github.com/npezzotti/go-directchat/internal/types"
)

type CacheState int

const (
	Unloaded CacheState = iota
	Loading
	Ready
)

func (s CacheState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Removed is what ApplyLocalDelete took out of the cache, so it can be put
// back if the server refuses the delete.
type Removed struct {
	Message types.Message
	gen     uint64
}

// ConversationCache holds the messages of the one conversation currently
// open, ordered by creation time and deduplicated by id.
type ConversationCache struct {
	mu       sync.Mutex
	self     string
	peer     string
	gen      uint64
	state    CacheState
	messages []types.Message
	ids      map[string]struct{}
	pending  []types.Message
}

func NewConversationCache(selfId string) *ConversationCache {
	return &ConversationCache{
		self: selfId,
		ids:  make(map[string]struct{}),
	}
}

// Open switches the cache to peerId, dropping whatever the previous
// conversation held, and returns the generation the history fetch must
// present to Seed.
func (c *ConversationCache) Open(peerId string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	c.peer = peerId
	c.state = Loading
	c.messages = nil
	c.ids = make(map[string]struct{})
	c.pending = nil

	return c.gen
}

// Seed installs fetched history and merges pushes that arrived while it was
// loading. A seed for a generation that is no longer current is ignored.
func (c *ConversationCache) Seed(gen uint64, history []types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Loading {
		return false
	}

	for _, msg := range history {
		c.insert(msg)
	}
	for _, msg := range c.pending {
		c.insert(msg)
	}
	c.pending = nil
	c.state = Ready

	return true
}

// Merge folds history fetched again for a Ready conversation, typically
// after the transport came back, into the cache without leaving Ready.
// Messages already held are kept; it reports whether anything was added.
func (c *ConversationCache) Merge(gen uint64, history []types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Ready {
		return false
	}

	added := false
	for _, msg := range history {
		if c.insert(msg) {
			added = true
		}
	}
	return added
}

// Current returns the open peer and its generation when the conversation
// is Ready.
func (c *ConversationCache) Current() (string, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer, c.gen, c.state == Ready
}

// Fail returns a loading cache to Unloaded after its history fetch failed.
func (c *ConversationCache) Fail(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != Loading {
		return
	}

	c.state = Unloaded
	c.pending = nil
}

// ApplyIncoming adds a pushed message if it belongs to the open
// conversation. It reports whether the cache changed.
func (c *ConversationCache) ApplyIncoming(msg types.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == "" || !msg.Involves(c.self) || msg.Peer(c.self) != c.peer {
		return false
	}

	switch c.state {
	case Loading:
		for _, p := range c.pending {
			if p.Id == msg.Id {
				return false
			}
		}
		c.pending = append(c.pending, msg)
		return true
	case Ready:
		return c.insert(msg)
	default:
		return false
	}
}

// insert places msg after every message created at or before it, so ties
// keep arrival order. Must be called with mu held.
func (c *ConversationCache) insert(msg types.Message) bool {
	if _, ok := c.ids[msg.Id]; ok {
		return false
	}

	idx := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	c.messages = slices.Insert(c.messages, idx, msg)
	c.ids[msg.Id] = struct{}{}

	return true
}

func (c *ConversationCache) ApplyLocalDelete(id string) (Removed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; !ok {
		return Removed{}, false
	}

	idx := slices.IndexFunc(c.messages, func(m types.Message) bool { return m.Id == id })
	removed := Removed{Message: c.messages[idx], gen: c.gen}
	c.messages = slices.Delete(c.messages, idx, idx+1)
	delete(c.ids, id)

	return removed, true
}

// Restore puts back a message removed by ApplyLocalDelete. It is a no-op
// once the conversation has been switched.
func (c *ConversationCache) Restore(r Removed) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.gen != c.gen || c.state != Ready {
		return false
	}

	return c.insert(r.Message)
}

func (c *ConversationCache) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.messages)
}

func (c *ConversationCache) State() CacheState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

func (c *ConversationCache) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.peer
}
