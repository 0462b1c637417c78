package bridge

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull 异步队列已满，消息被丢弃
var ErrQueueFull = errors.New("bridge: queue full")

// Transport 跨执行域的字节传输，两端只共享序列化后的数据
type Transport interface {
	Post(payload []byte) error
	Listen(fn func(payload []byte)) (cancel func())
}

type listeners struct {
	mu  sync.RWMutex
	m   map[int]func([]byte)
	seq int
}

func (l *listeners) add(fn func([]byte)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[int]func([]byte))
	}
	l.seq++
	id := l.seq
	l.m[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.m, id)
		})
	}
}

func (l *listeners) fire(payload []byte) {
	l.mu.RLock()
	fns := make([]func([]byte), 0, len(l.m))
	for _, fn := range l.m {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		fn(cp)
	}
}

// Loopback 同步投递的传输，发送方调用返回前监听方已处理完
type Loopback struct {
	ls listeners
}

// NewLoopback 创建同步传输
func NewLoopback() *Loopback { return &Loopback{} }

func (t *Loopback) Post(payload []byte) error {
	t.ls.fire(payload)
	return nil
}

func (t *Loopback) Listen(fn func([]byte)) func() { return t.ls.add(fn) }

// Queue 带缓冲的异步传输，由 Run 驱动投递
type Queue struct {
	ch chan []byte
	ls listeners
}

// NewQueue 创建异步传输
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan []byte, size)}
}

// Post 非阻塞入队，队列满时丢弃
func (t *Queue) Post(payload []byte) error {
	select {
	case t.ch <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *Queue) Listen(fn func([]byte)) func() { return t.ls.add(fn) }

// Run 持续投递直到 ctx 取消
func (t *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-t.ch:
			t.ls.fire(p)
		}
	}
}
