package rules

import (
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Condition 单个匹配条件
type Condition struct {
	Type    string   `yaml:"type" json:"type"`
	Mode    string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Pattern string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Values  []string `yaml:"values,omitempty" json:"values,omitempty"`
	Key     string   `yaml:"key,omitempty" json:"key,omitempty"`
	Op      string   `yaml:"op,omitempty" json:"op,omitempty"`
	Value   string   `yaml:"value,omitempty" json:"value,omitempty"`
	Pointer string   `yaml:"pointer,omitempty" json:"pointer,omitempty"`
}

// Match 条件组合
type Match struct {
	AllOf  []Condition `yaml:"allOf,omitempty" json:"allOf,omitempty"`
	AnyOf  []Condition `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
	NoneOf []Condition `yaml:"noneOf,omitempty" json:"noneOf,omitempty"`
}

// Ctx 匹配时可用的请求信息
type Ctx struct {
	URL    string
	Method string
	Query  map[string]string
	Body   string
}

// NewCtx 由请求构建匹配上下文，查询参数键统一为小写，同名参数取第一个值
func NewCtx(method, rawURL, body string) Ctx {
	ctx := Ctx{URL: rawURL, Method: method, Body: body}
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return ctx
	}
	ctx.Query = make(map[string]string)
	for _, part := range strings.Split(u.RawQuery, "&") {
		k, v, _ := strings.Cut(part, "=")
		k, err1 := url.QueryUnescape(k)
		v, err2 := url.QueryUnescape(v)
		if err1 != nil || err2 != nil || k == "" {
			continue
		}
		k = strings.ToLower(k)
		if _, ok := ctx.Query[k]; !ok {
			ctx.Query[k] = v
		}
	}
	return ctx
}

// Empty 是否未配置任何条件
func (m Match) Empty() bool {
	return len(m.AllOf) == 0 && len(m.AnyOf) == 0 && len(m.NoneOf) == 0
}

// Eval 评估条件组合，空组合视为不匹配
func (m Match) Eval(ctx Ctx) bool {
	if m.Empty() {
		return false
	}
	ok := true
	if len(m.AllOf) > 0 {
		ok = ok && allOf(ctx, m.AllOf)
	}
	if len(m.AnyOf) > 0 {
		ok = ok && anyOf(ctx, m.AnyOf)
	}
	if len(m.NoneOf) > 0 {
		ok = ok && !anyOf(ctx, m.NoneOf)
	}
	return ok
}

// URLPrefix 构造 URL 前缀条件
func URLPrefix(p string) Condition { return Condition{Type: "url", Mode: "prefix", Pattern: p} }

// URLContains 构造 URL 包含条件
func URLContains(p string) Condition { return Condition{Type: "url", Mode: "contains", Pattern: p} }

// URLRegex 构造 URL 正则条件
func URLRegex(p string) Condition { return Condition{Type: "url", Mode: "regex", Pattern: p} }

func allOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if !cond(ctx, cs[i]) {
			return false
		}
	}
	return true
}

func anyOf(ctx Ctx, cs []Condition) bool {
	for i := range cs {
		if cond(ctx, cs[i]) {
			return true
		}
	}
	return false
}

func cond(ctx Ctx, c Condition) bool {
	switch c.Type {
	case "url":
		switch c.Mode {
		case "prefix":
			return strings.HasPrefix(ctx.URL, c.Pattern)
		case "contains":
			return strings.Contains(ctx.URL, c.Pattern)
		case "regex":
			return matchRegex(ctx.URL, c.Pattern)
		case "exact":
			return ctx.URL == c.Pattern
		default:
			return glob(ctx.URL, c.Pattern)
		}
	case "method":
		for _, v := range c.Values {
			if strings.EqualFold(ctx.Method, v) {
				return true
			}
		}
		return false
	case "query":
		v, ok := ctx.Query[strings.ToLower(c.Key)]
		if !ok {
			return false
		}
		return compare(v, c.Op, c.Value)
	case "text":
		if ctx.Body == "" {
			return false
		}
		return compare(ctx.Body, c.Op, c.Value)
	case "json_pointer":
		if ctx.Body == "" || !gjson.Valid(ctx.Body) {
			return false
		}
		res := gjson.Get(ctx.Body, PointerToPath(c.Pointer))
		if !res.Exists() {
			return false
		}
		return compare(res.String(), c.Op, c.Value)
	default:
		return false
	}
}

func compare(v, op, want string) bool {
	switch op {
	case "equals":
		return v == want
	case "contains":
		return strings.Contains(v, want)
	case "regex":
		return matchRegex(v, want)
	default:
		return true
	}
}

// PointerToPath 将 JSON Pointer 转为 gjson 路径
func PointerToPath(ptr string) string {
	if ptr == "" || ptr[0] != '/' {
		return ""
	}
	tokens := strings.Split(ptr[1:], "/")
	for i, t := range tokens {
		t = strings.ReplaceAll(t, "~1", "/")
		t = strings.ReplaceAll(t, "~0", "~")
		t = escaper.Replace(t)
		tokens[i] = t
	}
	return strings.Join(tokens, ".")
}

var escaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

type regexpCache struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &regexpCache{m: make(map[string]*regexp.Regexp)}

func (c *regexpCache) Get(p string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[p]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[p] = re
	c.mu.Unlock()
	return re, nil
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(s, strings.Trim(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(s, strings.TrimPrefix(pattern, "*")) {
		return true
	}
	if strings.HasSuffix(pattern, "*") && strings.HasPrefix(s, strings.TrimSuffix(pattern, "*")) {
		return true
	}
	return s == pattern
}
