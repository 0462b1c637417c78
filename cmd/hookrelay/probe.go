package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"hookrelay/internal/cdp"
	"hookrelay/internal/resolver"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "读取标签页状态并打印解析出的上下文",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, l, err := setup()
		if err != nil {
			return err
		}
		if devToolsURL != "" {
			cfg.CDP.DevToolsURL = devToolsURL
		}
		ctx := cmd.Context()
		client, conn, target, err := cdp.Dial(ctx, cfg.CDP.DevToolsURL, targetID)
		if err != nil {
			return err
		}
		defer conn.Close()

		probe := cdp.NewPageProbe(client, l)
		snap, err := probe.Snapshot(ctx)
		if err != nil {
			return err
		}
		r := resolver.New(probe, resolver.Options{
			LockTTL:           cfg.LockTTL(),
			LastKnownTTL:      cfg.LastKnownTTL(),
			MinLockConfidence: cfg.Resolver.MinLockConfidence,
			MaxWalkDepth:      cfg.Resolver.MaxWalkDepth,
		}, l, nil)
		resolved := r.ResolveWith(resolver.Request{}, snap)

		out, err := json.MarshalIndent(map[string]any{
			"target":  target.ID,
			"url":     snap.URL,
			"title":   snap.Title,
			"tabs":    len(snap.Tabs),
			"context": resolved,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&targetID, "target", "", "目标 ID，为空时选择第一个页面")
	probeCmd.Flags().StringVar(&devToolsURL, "devtools", "", "覆盖配置中的 DevTools 地址")
}
