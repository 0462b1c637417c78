package traffic

import (
	"net/http"
	"strings"
)

// Header 大小写不敏感的单值头部集合，键统一为小写
type Header map[string]string

// Get 获取指定 Header 的值
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Clone 深拷贝
func (h Header) Clone() Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// FromHTTP 从 net/http 头部转换，多值取第一个
func FromHTTP(src http.Header) Header {
	out := make(Header, len(src))
	for k, vals := range src {
		if len(vals) > 0 {
			out.Set(k, vals[0])
		}
	}
	return out
}

// ParseQuery 解析 URL 查询串为小写键的映射，重复键保留第一个值
func ParseQuery(rawURL string) map[string]string {
	out := make(map[string]string)
	idx := strings.Index(rawURL, "?")
	if idx == -1 {
		return out
	}
	q := rawURL[idx+1:]
	if h := strings.Index(q, "#"); h != -1 {
		q = q[:h]
	}
	for _, pair := range strings.Split(q, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		k := strings.ToLower(kv[0])
		if _, ok := out[k]; !ok {
			out[k] = kv[1]
		}
	}
	return out
}
