package bridge

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"hookrelay/pkg/domain"
)

// Metrics 每端点计数与聚合统计
type Metrics struct {
	mu           sync.Mutex
	stats        domain.HookStats
	maxEndpoints int
	now          func() time.Time
}

// NewMetrics 创建统计
func NewMetrics(instanceID string, maxEndpoints int, now func() time.Time) *Metrics {
	if now == nil {
		now = time.Now
	}
	if maxEndpoints <= 0 {
		maxEndpoints = 40
	}
	return &Metrics{
		stats: domain.HookStats{
			InstanceID: instanceID,
			Rev:        domain.Rev,
			Endpoints:  make(map[string]*domain.EndpointMetrics),
		},
		maxEndpoints: maxEndpoints,
		now:          now,
	}
}

// EndpointKey GraphQL 请求取操作名，其他请求取路径
func EndpointKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, s := range segs {
		if s == "graphql" && i+2 < len(segs) {
			return "graphql:" + segs[i+2]
		}
	}
	return u.Path
}

// endpointLocked 取得端点计数，超过上限时淘汰最久未更新的端点
func (m *Metrics) endpointLocked(key string) *domain.EndpointMetrics {
	if ep, ok := m.stats.Endpoints[key]; ok {
		return ep
	}
	for len(m.stats.Endpoints) >= m.maxEndpoints {
		var oldest string
		var oldestAt int64
		first := true
		for k, ep := range m.stats.Endpoints {
			if first || ep.LastAt < oldestAt || (ep.LastAt == oldestAt && k < oldest) {
				oldest, oldestAt, first = k, ep.LastAt, false
			}
		}
		delete(m.stats.Endpoints, oldest)
	}
	ep := &domain.EndpointMetrics{}
	m.stats.Endpoints[key] = ep
	return ep
}

// Received 记录一次接收
func (m *Metrics) Received(key, rawURL string, status int, legacy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.MessagesReceived++
	ep := m.endpointLocked(key)
	ep.Received++
	ep.LastAt = m.now().UnixMilli()
	ep.LastStatus = status
	ep.LastURL = rawURL
	if legacy {
		m.stats.LegacyShape++
		ep.LegacyShape++
	}
}

// Duplicate 记录一次被去重跳过
func (m *Metrics) Duplicate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.SkippedDuplicate++
	m.endpointLocked(key).SkippedDuplicate++
}

// MissingContext 记录一次缺少上下文
func (m *Metrics) MissingContext(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.MissingContext++
	m.endpointLocked(key).MissingContext++
}

// Processed 记录一次完成分发
func (m *Metrics) Processed(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ResponsesProcessed++
	m.endpointLocked(key).Processed++
}

// Repaired 记录一次修复循环成功执行
func (m *Metrics) Repaired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.RepairCount++
}

// SetSafeMode 同步安全模式标记
func (m *Metrics) SetSafeMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.SafeMode = on
}

// SetMalformed 同步桥接收端丢弃数
func (m *Metrics) SetMalformed(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Malformed = n
}

// Snapshot 返回深拷贝
func (m *Metrics) Snapshot() domain.HookStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.Endpoints = make(map[string]*domain.EndpointMetrics, len(m.stats.Endpoints))
	for k, ep := range m.stats.Endpoints {
		cp := *ep
		out.Endpoints[k] = &cp
	}
	return out
}
