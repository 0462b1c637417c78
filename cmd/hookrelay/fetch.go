package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hookrelay/internal/host"
	"hookrelay/internal/manager"
	"hookrelay/internal/storage"
)

var (
	fetchMethod string
	fetchData   string
	fetchWait   time.Duration
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "经插桩的发起点发送一次请求并打印统计",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, l, err := setup()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
		if err != nil {
			return err
		}
		defer store.Close()

		realm := host.NewRealm("cli",
			host.WithFetcher(&host.HTTPFetcher{}),
			host.WithXHR(&host.HTTPXHRFactory{}),
			host.WithStorage(store.KV()))
		m, err := manager.Acquire(realm, manager.Deps{Config: cfg, Logger: l, Sink: store})
		if err != nil {
			return err
		}
		defer m.Dispose()

		opts := &host.FetchOptions{Method: strings.ToUpper(fetchMethod)}
		if fetchData != "" {
			opts.Body = []byte(fetchData)
		}
		res, err := realm.Fetcher().Fetch(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		body, err := res.Text()
		if err != nil {
			return err
		}
		l.Info("请求完成", "status", res.Status, "bytes", len(body))

		// 观测在后台完成
		deadline := time.Now().Add(fetchWait)
		for m.Stats().MessagesReceived == 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		out, err := json.MarshalIndent(m.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchMethod, "method", "X", "GET", "请求方法")
	fetchCmd.Flags().StringVarP(&fetchData, "data", "d", "", "请求体")
	fetchCmd.Flags().DurationVar(&fetchWait, "wait", 2*time.Second, "等待观测结果的最长时间")
}
