package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/ComputePool/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "computepool",
	Short: "Device pool coordination server",
	Long:  `computepool 运行设备注册、算力池成员管理、WebRTC 信令转发与心跳检测服务，并提供只读的 REST 查询接口；任务的执行与结果解析由外部系统负责。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var (
	rootLogLevel  string
	rootServerURL string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "日志级别 (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootServerURL, "server", "", "服务地址，覆盖 POOL_SERVER_URL")
	rootCmd.AddCommand(
		newServeCmd(),
		newPoolsCmd(),
		newJournalCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("computepool command failed")
	}
}
