package main

import (
	"os"

	"github.com/spf13/cobra"

	"hookrelay/internal/config"
	"hookrelay/internal/logger"
	"hookrelay/pkg/domain"
)

// Version 构建时注入
var Version = "0.7.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "hookrelay",
	Short: "请求拦截与上下文关联工具",
	Long: `hookrelay 在宿主执行域内对网络发起点插桩，把请求、响应与解析出的上下文
关联后分发给消费者；也可以通过 Chrome DevTools 协议接入真实浏览器标签页。`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hookrelay.yaml", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "覆盖配置中的日志级别")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本号",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("hookrelay v%s (rev %d)\n", Version, domain.Rev)
	},
}

// setup 加载配置并创建日志
func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	l := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})
	return cfg, l, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
