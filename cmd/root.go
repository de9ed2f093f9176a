// Package cmd 提供 sql-stress CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   ____   ___   _         ____  _
  / ___| / _ \ | |       / ___|| |_ _ __ ___  ___ ___
  \___ \| | | || |   ____\___ \| __| '__/ _ \/ __/ __|
   ___) | |_| || |__|____|___) | |_| | |  __/\__ \__ \
  |____/ \__\_\|_____|   |____/ \__|_|  \___||___/___/  %s
`
)

// globalOptions 全局 flags
type globalOptions struct {
	cfgFile string
	debug   bool
	quiet   bool
}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "sql-stress",
		Short: "SQL 并发压测工具",
		Long: `sql-stress 以固定数量的 worker 并发执行一组具名 SQL 脚本，
记录每次执行的多阶段耗时到 CSV，失败率超过阈值时中止测试。`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// 全局 flags
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "配置文件路径 (YAML)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVar(&opts.quiet, "quiet", false, "静默模式，只输出错误")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")

	rootCmd.AddCommand(newRunCmd(opts))

	return rootCmd
}

// Execute 执行根命令，出错时以状态码 1 退出
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
