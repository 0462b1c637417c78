package domain

import "time"

// Rev 当前代码修订号，包装器标记与统计快照都以它为准
const Rev = 7

// HookKind 发起点类型
type HookKind string

const (
	KindFetch HookKind = "fetch"
	KindXHR   HookKind = "xhr"
	KindCDP   HookKind = "cdp"
)

// HookMode 允许安装的发起点组合
type HookMode string

const (
	HookModeBoth  HookMode = "both"
	HookModeFetch HookMode = "fetch"
	HookModeXHR   HookMode = "xhr"
	HookModeOff   HookMode = "off"
)

// Allows 判断当前模式是否允许安装某类钩子
func (m HookMode) Allows(k HookKind) bool {
	switch m {
	case HookModeBoth, "":
		return k == KindFetch || k == KindXHR
	case HookModeFetch:
		return k == KindFetch
	case HookModeXHR:
		return k == KindXHR
	default:
		return false
	}
}

// RepairMode 修复循环开关
type RepairMode string

const (
	RepairWatchdog RepairMode = "watchdog"
	RepairOff      RepairMode = "off"
)

// RuntimeModes 运行时开关
type RuntimeModes struct {
	SafeMode   bool       `json:"safeMode"`
	HookMode   HookMode   `json:"hookMode"`
	RepairMode RepairMode `json:"repairMode"`
	Reason     string     `json:"reason,omitempty"`
	UpdatedAt  int64      `json:"updatedAt"`
}

// DefaultModes 默认运行时开关
func DefaultModes() RuntimeModes {
	return RuntimeModes{HookMode: HookModeBoth, RepairMode: RepairWatchdog}
}

// ContextSource 上下文来源标记
type ContextSource string

const (
	SourceRequestURL  ContextSource = "request-url"
	SourceRequestBody ContextSource = "request-body"
	SourcePassed      ContextSource = "passed"
	SourceLastKnown   ContextSource = "last-known"
	SourceLock        ContextSource = "lock"
	SourceActiveTab   ContextSource = "active-tab"
	SourceHistory     ContextSource = "history-state"
	SourceNavigation  ContextSource = "navigation-entry"
	SourcePageGlobals ContextSource = "page-globals"
	SourcePageURL     ContextSource = "page-url"
	SourceFallback    ContextSource = "fallback"
)

// UnknownFolder 无法解析时使用的标识
const UnknownFolder = "unknown"

// Context 请求的分组元数据
type Context struct {
	FolderID   string        `json:"folderId"`
	PageURL    string        `json:"pageUrl"`
	Source     ContextSource `json:"source"`
	CapturedAt int64         `json:"capturedAt"`
	RequestID  string        `json:"requestId,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
}

// IsKnown 是否解析到了具体标识
func (c *Context) IsKnown() bool {
	return c != nil && c.FolderID != "" && c.FolderID != UnknownFolder
}

// Envelope 一次被观测到的调用
type Envelope struct {
	Kind       HookKind `json:"kind"`
	Method     string   `json:"method"`
	URL        string   `json:"url"`
	Body       *string  `json:"body,omitempty"`
	RequestID  string   `json:"requestId,omitempty"`
	Context    *Context `json:"context,omitempty"`
	Rev        int      `json:"rev,omitempty"`
	CapturedAt int64    `json:"capturedAt"`
	// Legacy 接收端修补过字段时置位
	Legacy bool `json:"-"`
}

// ResponseRecord 调用完成时的响应
type ResponseRecord struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// EndpointMetrics 单个逻辑端点的计数
type EndpointMetrics struct {
	Received         int64  `json:"received"`
	Processed        int64  `json:"processed"`
	SkippedDuplicate int64  `json:"skippedDuplicate"`
	LegacyShape      int64  `json:"legacyShape"`
	MissingContext   int64  `json:"missingContext"`
	LastAt           int64  `json:"lastAt"`
	LastStatus       int    `json:"lastStatus"`
	LastURL          string `json:"lastUrl"`
}

// HookStats 聚合统计
type HookStats struct {
	InstanceID         string                      `json:"instanceId"`
	Rev                int                         `json:"rev"`
	MessagesReceived   int64                       `json:"messagesReceived"`
	ResponsesProcessed int64                       `json:"responsesProcessed"`
	SkippedDuplicate   int64                       `json:"skippedDuplicate"`
	LegacyShape        int64                       `json:"legacyShape"`
	Malformed          int64                       `json:"malformed"`
	MissingContext     int64                       `json:"missingContext"`
	RepairCount        int64                       `json:"repairCount"`
	SafeMode           bool                        `json:"safeMode"`
	Endpoints          map[string]*EndpointMetrics `json:"endpoints"`
}

// Record 消费者从响应中提取的记录
type Record struct {
	ID         string    `json:"id"`
	Extension  string    `json:"extension"`
	FolderID   string    `json:"folderId"`
	Text       string    `json:"text"`
	Author     string    `json:"author"`
	Raw        string    `json:"raw"`
	CapturedAt time.Time `json:"capturedAt"`
}
