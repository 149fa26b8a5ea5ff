package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "cdpgateway"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "多路复用的 Chrome DevTools Protocol 网关",
	Long: `cdpgateway 维护到多个浏览器调试目标的连接，并通过 HTTP 暴露：
  - 任意 Domain.command 命令执行
  - 按 (事件, sessionId) 记录与读取事件
  - 按会话拦截请求并注入 query 参数与请求头`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}
