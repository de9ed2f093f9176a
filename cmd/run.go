package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/sql-stress/internal/config"
	"yqhp/sql-stress/internal/dispatcher"
	"yqhp/sql-stress/internal/idgen"
	"yqhp/sql-stress/internal/metric"
	"yqhp/sql-stress/internal/pool"
	"yqhp/sql-stress/internal/preflight"
	"yqhp/sql-stress/internal/runner"
	"yqhp/sql-stress/internal/stats"
	"yqhp/sql-stress/internal/telemetry"
	"yqhp/sql-stress/pkg/logger"
)

// runOptions run 命令的 flags，仅显式指定的 flag 覆盖配置文件
type runOptions struct {
	thread      int
	repeat      int
	sql         string
	pool        string
	url         string
	driver      string
	username    string
	password    string
	init        string
	output      string
	prefix      string
	failure     float64
	telemetry   string
	pushGateway string
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "执行压测",
		Long: `按配置并发执行 SQL 脚本。

执行流程：
  1. 加载配置并回显
  2. 探测目标主机、校验 init SQL、预热连接池
  3. repeat × 脚本数 个任务分发给 thread 个 worker
  4. 每个任务写一行 CSV，失败率超过阈值时中止`,
		Example: `  # 使用配置文件
  sql-stress run -c stress.yaml

  # 命令行指定全部参数
  sql-stress run -j jdbc:mysql://127.0.0.1:3306/bench -u root -p secret \
    -q queries/ -t 16 -r 100 -o result.csv

  # 使用 pgx 连接池并拉取后端 job 指标
  sql-stress run -c stress.yaml -l pgx --telemetry-endpoint http://gateway:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd, global, opts)
			if err != nil {
				return err
			}

			// 创建可取消的上下文
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// 处理关闭信号
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			go func() {
				select {
				case <-sigCh:
					fmt.Fprintln(cmd.ErrOrStderr(), "\n正在中止测试...")
					cancel()
				case <-ctx.Done():
				}
			}()

			out := cmd.OutOrStdout()
			if global.quiet {
				out = io.Discard
			}
			return runStress(ctx, cfg, out)
		},
	}

	f := runCmd.Flags()
	f.IntVarP(&opts.thread, "thread", "t", 1, "worker 数量")
	f.IntVarP(&opts.repeat, "repeat", "r", 1, "每个脚本重复次数")
	f.StringVarP(&opts.sql, "sql", "q", "", "脚本文件或目录，逗号分隔")
	f.StringVarP(&opts.pool, "pool", "l", string(pool.KindSQL), "连接池类型: sql, pgx, gorm")
	f.StringVarP(&opts.url, "jdbc", "j", "", "连接 URL，如 jdbc:mysql://host:3306/db")
	f.StringVarP(&opts.driver, "driver", "d", "", "database/sql 驱动名 (mysql, pgx, postgres, sqlite)")
	f.StringVarP(&opts.username, "username", "u", "", "用户名")
	f.StringVarP(&opts.password, "password", "p", "", "密码")
	f.StringVarP(&opts.init, "init", "i", config.DefaultInitSQL, "连接初始化 SQL")
	f.StringVarP(&opts.output, "output", "o", "", "输出 CSV 文件")
	f.StringVar(&opts.prefix, "prefix", "", "job id 前缀")
	f.Float64VarP(&opts.failure, "failure", "f", config.DefaultFailureRate, "失败率超过该值(%)时中止")
	f.StringVar(&opts.telemetry, "telemetry-endpoint", "", "后端 job 指标接口地址")
	f.StringVar(&opts.pushGateway, "push-gateway", "", "Prometheus Pushgateway 地址")

	return runCmd
}

// loadRunConfig 加载配置文件、应用命令行覆盖、初始化日志并校验
func loadRunConfig(cmd *cobra.Command, global *globalOptions, opts *runOptions) (*config.Config, error) {
	cfg, err := config.Load(global.cfgFile)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("thread") {
		cfg.Thread = opts.thread
	}
	if f.Changed("repeat") {
		cfg.Repeat = opts.repeat
	}
	if f.Changed("sql") {
		cfg.SQL = append(cfg.SQL, config.SplitList(opts.sql)...)
	}
	if f.Changed("pool") {
		kind, err := pool.ParseKind(opts.pool)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
		}
		cfg.PoolType = kind
	}
	if f.Changed("jdbc") {
		cfg.URL = opts.url
	}
	if f.Changed("driver") {
		cfg.Driver = opts.driver
	}
	if f.Changed("username") {
		cfg.Username = opts.username
	}
	if f.Changed("password") {
		cfg.Password = opts.password
	}
	if f.Changed("init") {
		cfg.Init = opts.init
	}
	if f.Changed("output") {
		cfg.Output = opts.output
	}
	if f.Changed("prefix") {
		cfg.Prefix = opts.prefix
	}
	if f.Changed("failure") {
		cfg.Failure = opts.failure
	}
	if f.Changed("telemetry-endpoint") {
		cfg.Telemetry.Endpoint = opts.telemetry
	}
	if f.Changed("push-gateway") {
		cfg.Metrics.PushGateway = opts.pushGateway
	}

	logCfg := cfg.Log.Logger()
	if global.debug {
		logCfg.Level = "debug"
	} else if global.quiet {
		logCfg.Level = "error"
	}
	logger.Init(logCfg)

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runStress 执行一次完整的压测：预检、分发、汇总
func runStress(ctx context.Context, cfg *config.Config, out io.Writer) error {
	defer logger.Sync()
	log := logger.L()

	cfg.Print(out)

	target, err := pool.ParseTarget(cfg.URL, cfg.Username, cfg.Password, cfg.Driver)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	if rtt, err := preflight.CheckHost(ctx, target.Addr, preflight.DefaultDialTimeout); err != nil {
		log.Warn("failed to reach database host", zap.String("addr", target.Addr), zap.Error(err))
	} else if target.Addr != "" {
		fmt.Fprintf(out, "host    : %s reachable, rtt %s\n", target.Addr, rtt.Round(time.Microsecond))
	}

	provider, err := pool.New(ctx, cfg.PoolType, pool.Options{
		URL:      cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Driver:   cfg.Driver,
		InitSQL:  cfg.Init,
		Size:     cfg.Thread,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", preflight.ErrValidation, err)
	}
	defer provider.Close()

	var profiler telemetry.Profiler
	if cfg.Telemetry.Endpoint != "" {
		profiler = telemetry.NewHTTPProfiler(cfg.Telemetry.Endpoint, cfg.Telemetry.Timeout)
	}
	exec := runner.New(provider, idgen.New(cfg.Prefix), profiler, log)

	rec, err := preflight.ValidateInit(ctx, exec, cfg.Init)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "validate config done, elapsed %dms\n", rec.ClientDuration())

	fmt.Fprintln(out, "warm up connection pool:")
	if _, err := preflight.WarmUp(ctx, provider, cfg.Thread, cfg.Init, out, log); err != nil {
		return err
	}

	sink, err := metric.NewCSVSink(cfg.Output)
	if err != nil {
		return err
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(log),
		dispatcher.WithOutput(out),
	}
	var exporter *stats.Exporter
	if cfg.Metrics.PushGateway != "" {
		exporter = stats.NewExporter()
		opts = append(opts, dispatcher.WithObserver(exporter))
	}

	fmt.Fprintln(out, "running sqls:")
	fmt.Fprintf(out, "[%s] begin ...\n", time.Now().Format("2006-01-02T15:04:05"))

	summary, runErr := dispatcher.New(dispatcher.PlanFromConfig(cfg), exec, sink, opts...).Run(ctx)
	if runErr == nil {
		fmt.Fprintf(out, "[%s] done\n", time.Now().Format("2006-01-02T15:04:05"))
	}
	if summary != nil {
		summary.Print(out)
	}

	if exporter != nil {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grouping := map[string]string{"prefix": cfg.Prefix}
		if err := exporter.Push(pushCtx, cfg.Metrics.PushGateway, cfg.Metrics.Job, grouping); err != nil {
			log.Warn("failed to push metrics", zap.Error(err))
		}
	}

	if errors.Is(runErr, dispatcher.ErrThresholdAbort) {
		log.Error("test aborted", zap.Error(runErr))
	}
	return runErr
}
