package host

import "sync"

// Broadcaster 尽力而为的同源广播
type Broadcaster interface {
	Publish(topic string, payload []byte)
	Subscribe(topic string, fn func(payload []byte)) (cancel func())
}

// Channel 进程内广播实现
type Channel struct {
	mu   sync.RWMutex
	subs map[string]map[int]func([]byte)
	seq  int
}

// NewChannel 创建广播通道
func NewChannel() *Channel {
	return &Channel{subs: make(map[string]map[int]func([]byte))}
}

// Publish 投递给当前所有订阅者，单个订阅者 panic 不影响其他订阅者
func (c *Channel) Publish(topic string, payload []byte) {
	c.mu.RLock()
	fns := make([]func([]byte), 0, len(c.subs[topic]))
	for _, fn := range c.subs[topic] {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		deliver(fn, payload)
	}
}

func deliver(fn func([]byte), payload []byte) {
	defer func() { _ = recover() }()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	fn(cp)
}

func (c *Channel) Subscribe(topic string, fn func(payload []byte)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := c.seq
	if c.subs[topic] == nil {
		c.subs[topic] = make(map[int]func([]byte))
	}
	c.subs[topic][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[topic], id)
		})
	}
}
