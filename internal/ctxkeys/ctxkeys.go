package ctxkeys

// TraceIDKey 上下文中的链路追踪 ID 键
type TraceIDKey struct{}
