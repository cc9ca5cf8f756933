// Package topics caches the date-grouped topic list per assistant type for
// the sidebar and the "no topics yet" landing state.
package topics

import (
	"context"
	"sync"

	"egpt/internal/logging"
	"egpt/internal/types"
)

const loadErrText = "Ошибка загрузки чатов, повторите попытку позже."

// API is the slice of the REST client the cache needs.
type API interface {
	ListTopics(ctx context.Context, topicsType types.TopicsType, status types.TopicStatus) ([]types.TopicGroup, error)
}

type Cache struct {
	api API
	log logging.Logger

	mu         sync.Mutex
	groups     []types.TopicGroup
	loading    bool
	loadedOnce bool
	lastLoaded types.TopicsType
	errText    string
}

func NewCache(api API, log logging.Logger) *Cache {
	if log == nil {
		log = logging.Nop()
	}
	return &Cache{api: api, log: log}
}

// EnsureLoaded fetches the active topic list for the assistant unless the
// cache already holds that type or a load is in flight.
func (c *Cache) EnsureLoaded(ctx context.Context, assistant types.AssistantType) {
	required := types.TopicsTypeFor(assistant)
	c.mu.Lock()
	skip := c.loading || (c.loadedOnce && c.lastLoaded == required)
	if !skip {
		c.loading = true
	}
	c.mu.Unlock()
	if skip {
		return
	}
	c.load(ctx, required, types.TopicStatusActive)
}

// Refresh reloads unconditionally (used after a stream completes, when the
// backend has named a fresh topic). Concurrent refreshes collapse into one.
func (c *Cache) Refresh(ctx context.Context, assistant types.AssistantType) {
	required := types.TopicsTypeFor(assistant)
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return
	}
	c.loading = true
	c.mu.Unlock()
	c.load(ctx, required, types.TopicStatusActive)
}

func (c *Cache) load(ctx context.Context, topicsType types.TopicsType, status types.TopicStatus) {
	groups, err := c.api.ListTopics(ctx, topicsType, status)
	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.errText = loadErrText
		c.mu.Unlock()
		c.log.Warn("topic list load failed", logging.F("topics_type", string(topicsType)), logging.F("err", err))
		return
	}
	c.groups = groups
	c.loadedOnce = true
	c.lastLoaded = topicsType
	c.errText = ""
	c.mu.Unlock()
}

func (c *Cache) Groups() []types.TopicGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.TopicGroup(nil), c.groups...)
}

// Find returns the cached topic with id, if present.
func (c *Cache) Find(id int64) (types.Topic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, group := range c.groups {
		for _, topic := range group.Topics {
			if topic.ID == id {
				return topic, true
			}
		}
	}
	return types.Topic{}, false
}

// Empty reports whether a completed load found no topics; the landing view
// shows its empty state only then.
func (c *Cache) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loadedOnce {
		return false
	}
	for _, group := range c.groups {
		if len(group.Topics) > 0 {
			return false
		}
	}
	return true
}

func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

func (c *Cache) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

func (c *Cache) Reset() {
	c.mu.Lock()
	c.groups = nil
	c.loading = false
	c.loadedOnce = false
	c.lastLoaded = ""
	c.errText = ""
	c.mu.Unlock()
}
