package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/bridge"
	"hookrelay/internal/cdp"
	"hookrelay/internal/host"
	"hookrelay/internal/manager"
	"hookrelay/internal/resolver"
	"hookrelay/internal/storage"
	"hookrelay/pkg/domain"
)

var (
	targetID      string
	devToolsURL   string
	statsInterval time.Duration
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "接入浏览器标签页并持续采集",
	Long:  "通过 DevTools 协议在响应阶段拦截目标标签页的流量，经桥接送入流水线，消费者提取的记录写入 SQLite。",
	RunE:  runAttach,
}

func init() {
	attachCmd.Flags().StringVar(&targetID, "target", "", "目标 ID，为空时选择第一个页面")
	attachCmd.Flags().StringVar(&devToolsURL, "devtools", "", "覆盖配置中的 DevTools 地址")
	attachCmd.Flags().DurationVar(&statsInterval, "stats-interval", 30*time.Second, "统计输出间隔，0 表示关闭")
}

// sendFunc 把函数适配为 hook.Sender
type sendFunc func(domain.Envelope, domain.ResponseRecord) error

func (f sendFunc) Send(env domain.Envelope, res domain.ResponseRecord) error { return f(env, res) }

func runAttach(cmd *cobra.Command, _ []string) error {
	cfg, l, err := setup()
	if err != nil {
		return err
	}
	if devToolsURL != "" {
		cfg.CDP.DevToolsURL = devToolsURL
	}

	store, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *manager.Manager
	tap := cdp.NewTap(cdp.TapConfig{
		DevToolsURL:      cfg.CDP.DevToolsURL,
		URLPattern:       cfg.CDP.URLPattern,
		ProcessTimeoutMS: cfg.CDP.ProcessTimeoutMS,
		Sender: sendFunc(func(env domain.Envelope, res domain.ResponseRecord) error {
			return m.Bridge().Send(env, res)
		}),
		Resolve: func(ctx context.Context, req resolver.Request) domain.Context {
			return m.Resolver().Resolve(ctx, req)
		},
		Recognize: resolver.Recognize,
		Logger:    l.With("component", "tap"),
	})
	if err := tap.Attach(ctx, targetID); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer tap.Close()

	probe := cdp.NewPageProbe(tap.Client(), l.With("component", "probe"))
	realm := host.NewRealm("cdp",
		host.WithFetcher(&host.HTTPFetcher{}),
		host.WithXHR(&host.HTTPXHRFactory{}),
		host.WithStorage(store.KV()),
		host.WithBroadcaster(host.NewChannel()),
		host.WithPage(probe))

	queue := bridge.NewQueue(512)
	m, err = manager.Acquire(realm, manager.Deps{
		Config:    cfg,
		Logger:    l,
		Transport: queue,
		Sink:      store,
	})
	if err != nil {
		return err
	}
	defer m.Dispose()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		queue.Run(gctx)
		return nil
	})
	g.Go(func() error { return tap.Run(gctx) })
	g.Go(func() error { return probe.Watch(gctx) })
	if statsInterval > 0 {
		g.Go(func() error {
			report(gctx, m, tap, store, statsInterval)
			return nil
		})
	}

	l.Info("开始采集", "devtools", cfg.CDP.DevToolsURL, "dsn", cfg.Sqlite.Dsn)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	report(context.Background(), m, tap, store, 0)
	return err
}

// report 周期性输出统计；interval 为 0 时只输出一次
func report(ctx context.Context, m *manager.Manager, tap *cdp.Tap, store *storage.Store, interval time.Duration) {
	emit := func() {
		stats := m.Stats()
		handled, degraded, skipped := tap.Stats()
		total, err := store.Count(ctx)
		if err != nil {
			total = -1
		}
		fmt.Fprintf(os.Stderr, "received=%d processed=%d duplicate=%d legacy=%d missingContext=%d safeMode=%v tap(handled=%d degraded=%d skipped=%d) records=%d\n",
			stats.MessagesReceived, stats.ResponsesProcessed, stats.SkippedDuplicate, stats.LegacyShape,
			stats.MissingContext, stats.SafeMode, handled, degraded, skipped, total)
	}
	if interval <= 0 {
		emit()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit()
		}
	}
}
