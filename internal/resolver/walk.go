package resolver

import (
	"reflect"
	"sort"
	"strconv"
)

// Walk 对任意解码后的 JSON 结构做有界深度遍历。
// 映射按键名排序以保证结果确定，visited 防止环引用；visit 返回 true 时提前结束。
func Walk(v any, maxDepth int, visit func(key string, val any) bool) bool {
	visited := make(map[uintptr]struct{})
	return walk(v, "", 0, maxDepth, visited, visit)
}

func walk(v any, key string, depth, maxDepth int, visited map[uintptr]struct{}, visit func(string, any) bool) bool {
	if depth > maxDepth || v == nil {
		return false
	}
	if key != "" && visit(key, v) {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.Len() == 0 {
			return false
		}
		p := rv.Pointer()
		if _, seen := visited[p]; seen {
			return false
		}
		visited[p] = struct{}{}
	}

	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if walk(x[k], k, depth+1, maxDepth, visited, visit) {
				return true
			}
		}
	case []any:
		for i, item := range x {
			if walk(item, "["+strconv.Itoa(i)+"]", depth+1, maxDepth, visited, visit) {
				return true
			}
		}
	}
	return false
}
