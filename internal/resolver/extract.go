package resolver

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// idKeys 可能承载收藏夹标识的字段名，按优先级排列
var idKeys = []string{
	"bookmark_collection_id",
	"bookmarkCollectionId",
	"bookmark_folder_id",
	"bookmarkFolderId",
	"folderId",
	"folder_id",
}

var (
	folderPathRe = regexp.MustCompile(`/i/bookmarks/([A-Za-z0-9_-]{1,64})(?:[/?#]|$)`)
	validIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	graphqlOpRe  = regexp.MustCompile(`/graphql/[^/?#]+/([A-Za-z0-9_]+)`)
)

// ValidID 校验标识格式
func ValidID(id string) bool {
	return id != "" && !strings.EqualFold(id, "unknown") && !strings.EqualFold(id, "null") && validIDRe.MatchString(id)
}

// Recognize 判断请求是否属于需要提前解析上下文的端点
func Recognize(rawURL string) bool {
	if m := graphqlOpRe.FindStringSubmatch(rawURL); m != nil {
		return strings.Contains(m[1], "Bookmark")
	}
	return strings.Contains(rawURL, "/i/bookmarks")
}

// IsFolderRoute 地址是否位于收藏夹路由下
func IsFolderRoute(rawURL string) bool {
	return strings.Contains(rawURL, "/i/bookmarks")
}

// RouteDomain 路由域：收藏夹路由统一为 bookmarks，其他取首段路径
func RouteDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if IsFolderRoute(u.Path) {
		return "bookmarks"
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	return segs[0]
}

// FolderFromPath 从 /i/bookmarks/<id> 路径中提取标识
func FolderFromPath(rawURL string) (string, bool) {
	m := folderPathRe.FindStringSubmatch(rawURL)
	if m == nil || !ValidID(m[1]) {
		return "", false
	}
	return m[1], true
}

// FolderFromURL 依次检查查询参数、variables 参数中的 JSON 与路径
func FolderFromURL(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	q := u.Query()
	for _, k := range idKeys {
		if v := q.Get(k); ValidID(v) {
			return v, true
		}
	}
	for _, name := range []string{"variables", "features"} {
		if raw := q.Get(name); raw != "" {
			if id, ok := folderFromJSON(raw, 4); ok {
				return id, true
			}
		}
	}
	return FolderFromPath(u.Path)
}

// FolderFromBody 支持 JSON 与表单编码两种请求体
func FolderFromBody(body string, maxDepth int) (string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}
	if gjson.Valid(body) {
		return folderFromJSON(body, maxDepth)
	}
	form, err := url.ParseQuery(body)
	if err != nil {
		return "", false
	}
	for _, k := range idKeys {
		if v := form.Get(k); ValidID(v) {
			return v, true
		}
	}
	if raw := form.Get("variables"); raw != "" {
		return folderFromJSON(raw, maxDepth)
	}
	return "", false
}

func folderFromJSON(raw string, maxDepth int) (string, bool) {
	if !gjson.Valid(raw) {
		return "", false
	}
	for _, k := range idKeys {
		for _, path := range []string{k, "variables." + k} {
			if id, ok := scalarID(gjson.Get(raw, path)); ok {
				return id, true
			}
		}
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	return FindID(v, maxDepth)
}

func scalarID(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.String:
		if ValidID(r.String()) {
			return r.String(), true
		}
	case gjson.Number:
		s := r.Raw
		if ValidID(s) {
			return s, true
		}
	}
	return "", false
}

// FindID 在任意结构中查找第一个标识字段
func FindID(v any, maxDepth int) (string, bool) {
	var found string
	Walk(v, maxDepth, func(key string, val any) bool {
		if !isIDKey(key) {
			return false
		}
		switch x := val.(type) {
		case string:
			if ValidID(x) {
				found = x
				return true
			}
		case json.Number:
			if ValidID(x.String()) {
				found = x.String()
				return true
			}
		case float64:
			s := strconv.FormatFloat(x, 'f', -1, 64)
			if ValidID(s) {
				found = s
				return true
			}
		}
		return false
	})
	return found, found != ""
}

func isIDKey(k string) bool {
	for _, id := range idKeys {
		if k == id {
			return true
		}
	}
	return false
}
