// Package ambient 实现伪人模式：缓存群聊近况，并偶尔以群友身份插话。
package ambient

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultCapacity 是每个群缓存的消息条数上限。
const DefaultCapacity = 20

// Record 是一条群聊记录。
type Record struct {
	SpeakerID   string `json:"speaker_id"`
	SpeakerName string `json:"speaker_name"`
	Text        string `json:"text"`
}

// Cache 按群保存最近的聊天记录，超出容量时淘汰最旧的一条。不做持久化。
type Cache struct {
	mu       sync.Mutex
	capacity int
	scopes   map[string][]Record
}

// NewCache 创建缓存，capacity<=0 时使用 DefaultCapacity。
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{capacity: capacity, scopes: make(map[string][]Record)}
}

// Append 追加到队尾。
func (c *Cache) Append(scope string, rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := append(c.scopes[scope], rec)
	if over := len(records) - c.capacity; over > 0 {
		records = append([]Record(nil), records[over:]...)
	}
	c.scopes[scope] = records
}

// Get 返回副本，没有记录时为 nil。
func (c *Cache) Get(scope string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.scopes[scope]
	if len(records) == 0 {
		return nil
	}
	return append([]Record(nil), records...)
}

// Len 返回某个群当前的记录数。
func (c *Cache) Len(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scopes[scope])
}

// Render 按时间顺序拼接记录。
func (c *Cache) Render(scope string) string {
	var b strings.Builder
	for _, rec := range c.Get(scope) {
		fmt.Fprintf(&b, "%s (%s) says:\n%s\n\n", rec.SpeakerName, rec.SpeakerID, rec.Text)
	}
	return b.String()
}

// Scopes 返回有记录的群。
func (c *Cache) Scopes() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.scopes))
	for scope, records := range c.scopes {
		out[scope] = len(records)
	}
	return out
}
