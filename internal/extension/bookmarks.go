package extension

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"hookrelay/internal/logger"
	"hookrelay/internal/rules"
	"hookrelay/pkg/domain"
)

// BookmarksName 书签消费者名
const BookmarksName = "bookmarks"

// timelinePaths 书签时间线在响应中的位置
var timelinePaths = []string{
	"data.bookmark_timeline_v2.timeline.instructions",
	"data.bookmark_collection_timeline.timeline.instructions",
	"data.bookmark_timeline.timeline.instructions",
}

var bookmarkOps = rules.Match{AnyOf: []rules.Condition{
	rules.URLRegex(`/graphql/[^/]+/(Bookmarks|BookmarkFolderTimeline)(\?|$)`),
}}

// Bookmarks 从书签时间线响应中提取推文并写入 Sink
type Bookmarks struct {
	sink Sink
	log  logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	disposed bool
	saved    int
}

// NewBookmarks 书签消费者构造函数
func NewBookmarks(deps Deps) Extension {
	l := deps.Log
	if l == nil {
		l = logger.NewNop()
	}
	return &Bookmarks{sink: deps.Sink, log: l.With("extension", BookmarksName), now: time.Now}
}

func (b *Bookmarks) Name() string { return BookmarksName }

func (b *Bookmarks) Intercept() InterceptFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed || b.sink == nil {
		return nil
	}
	return b.handle
}

func (b *Bookmarks) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
}

// Saved 已写入的记录数
func (b *Bookmarks) Saved() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saved
}

func (b *Bookmarks) handle(env domain.Envelope, res domain.ResponseRecord, _ Extension) {
	if res.Status < 200 || res.Status >= 300 {
		return
	}
	if !bookmarkOps.Eval(rules.NewCtx(env.Method, env.URL, "")) {
		return
	}
	folder := domain.UnknownFolder
	if env.Context.IsKnown() {
		folder = env.Context.FolderID
	}
	records := ParseTimeline(res.Body)
	if len(records) == 0 {
		return
	}
	at := b.now()
	for i := range records {
		records[i].Extension = BookmarksName
		records[i].FolderID = folder
		records[i].CapturedAt = at
	}
	if err := b.sink.Save(context.Background(), records); err != nil {
		b.log.Err(err, "保存书签失败", "folderId", folder, "count", len(records))
		return
	}
	b.mu.Lock()
	b.saved += len(records)
	b.mu.Unlock()
	b.log.Debug("保存书签", "folderId", folder, "count", len(records))
}

// ParseTimeline 解析书签时间线中的推文
func ParseTimeline(body string) []domain.Record {
	if !gjson.Valid(body) {
		return nil
	}
	var instructions gjson.Result
	for _, p := range timelinePaths {
		if r := gjson.Get(body, p); r.Exists() {
			instructions = r
			break
		}
	}
	if !instructions.IsArray() {
		return nil
	}

	var out []domain.Record
	seen := make(map[string]bool)
	instructions.ForEach(func(_, ins gjson.Result) bool {
		ins.Get("entries").ForEach(func(_, entry gjson.Result) bool {
			tweet := entry.Get("content.itemContent.tweet_results.result")
			if tweet.Get("__typename").String() == "TweetWithVisibilityResults" {
				tweet = tweet.Get("tweet")
			}
			id := tweet.Get("rest_id").String()
			if id == "" || seen[id] {
				return true
			}
			seen[id] = true
			out = append(out, domain.Record{
				ID:     id,
				Text:   tweet.Get("legacy.full_text").String(),
				Author: firstString(tweet, "core.user_results.result.legacy.screen_name", "core.user_results.result.core.screen_name"),
				Raw:    tweet.Raw,
			})
			return true
		})
		return true
	})
	return out
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
