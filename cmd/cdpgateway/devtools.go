package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cdpgateway/internal/devtools"
	"cdpgateway/pkg/model"
)

var endpoint model.ConnectOptions

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "列出浏览器可调试目标 (/json/list)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := devtools.New().List(cmd.Context(), endpoint)
		if err != nil {
			return err
		}
		return printJSON(cmd, targets)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "读取浏览器版本信息 (/json/version)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := devtools.New().Version(cmd.Context(), endpoint)
		if err != nil {
			return err
		}
		return printJSON(cmd, v)
	},
}

func init() {
	for _, c := range []*cobra.Command{targetsCmd, versionCmd} {
		c.Flags().StringVar(&endpoint.Host, "host", "127.0.0.1", "DevTools 主机")
		c.Flags().IntVar(&endpoint.Port, "port", 9222, "DevTools 端口")
		c.Flags().BoolVar(&endpoint.Secure, "secure", false, "使用 https")
		c.Flags().BoolVar(&endpoint.UseHostName, "use-host-name", false, "不将主机名解析为 IP")
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
