// Package config 负责压测配置的加载、脚本读取、校验与回显。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/duke-git/lancet/v2/strutil"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"yqhp/sql-stress/internal/pool"
	"yqhp/sql-stress/pkg/logger"
)

// 默认值
const (
	DefaultInitSQL     = "select 1;"
	DefaultFailureRate = 10.0
	DefaultMetricsJob  = "sql_stress"
)

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

var prefixPattern = regexp.MustCompile(`^[0-9a-zA-Z\-_.]+$`)

// Script 一个具名 SQL 脚本，id 即脚本文件名
type Script struct {
	ID  string `yaml:"id"`
	SQL string `yaml:"sql"`
}

// Config 压测配置
type Config struct {
	URL      string    `yaml:"url"`
	Username string    `yaml:"username"`
	Password string    `yaml:"password"`
	Init     string    `yaml:"init"`
	PoolType pool.Kind `yaml:"pool_type"` // sql, pgx, gorm
	Driver   string    `yaml:"driver"`
	Thread   int       `yaml:"thread"`
	Repeat   int       `yaml:"repeat"`
	SQL      []string  `yaml:"sql"`     // 脚本文件或目录
	Scripts  []Script  `yaml:"scripts"` // 内联脚本
	Output   string    `yaml:"output"`
	Prefix   string    `yaml:"prefix"`
	Failure  float64   `yaml:"failure"` // 失败率阈值(%)

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// TelemetryConfig 后端 job 指标接口配置，endpoint 为空时不拉取
type TelemetryConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MetricsConfig Prometheus 推送配置，push_gateway 为空时不推送
type MetricsConfig struct {
	PushGateway string `yaml:"push_gateway"`
	Job         string `yaml:"job"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, stderr, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

// Logger 转换为日志包配置，未设置的字段使用日志包默认值
func (l LogConfig) Logger() *logger.Config {
	cfg := logger.DefaultConfig()
	if l.Level != "" {
		cfg.Level = l.Level
	}
	if l.Format != "" {
		cfg.Format = l.Format
	}
	if l.Output != "" {
		cfg.Output = l.Output
	}
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	if l.MaxSize > 0 {
		cfg.MaxSize = l.MaxSize
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	if l.MaxAge > 0 {
		cfg.MaxAge = l.MaxAge
	}
	return cfg
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Init:     DefaultInitSQL,
		PoolType: pool.KindSQL,
		Thread:   1,
		Repeat:   1,
		Failure:  DefaultFailureRate,
		Metrics:  MetricsConfig{Job: DefaultMetricsJob},
	}
}

// Load 在默认配置之上加载 YAML 配置文件
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// SplitList 拆分逗号分隔的列表，忽略空项
func SplitList(s string) []string {
	parts := slice.Map(strings.Split(s, ","), func(_ int, p string) string {
		return strutil.Trim(p)
	})
	return slice.Filter(parts, func(_ int, p string) bool {
		return p != ""
	})
}

// ReadScripts 读取脚本文件，目录递归展开。脚本 id 为文件名，必须唯一。
// 返回顺序：按参数顺序，目录内按路径排序。
func ReadScripts(paths []string) ([]Script, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("读取脚本路径失败: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("遍历脚本目录失败: %w", err)
		}
		sort.Strings(found)
		files = append(files, found...)
	}

	scripts := make([]Script, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("读取脚本失败: %w", err)
		}
		scripts = append(scripts, Script{ID: filepath.Base(f), SQL: string(data)})
	}
	return scripts, nil
}

// Resolve 读取脚本路径并合并到内联脚本之后，清理非法前缀，然后校验配置。
// 可重复调用，已读取的路径不会重复读取。
func (c *Config) Resolve() error {
	if len(c.SQL) > 0 {
		loaded, err := ReadScripts(c.SQL)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		c.Scripts = append(c.Scripts, loaded...)
		c.SQL = nil
	}

	if c.Prefix != "" && !prefixPattern.MatchString(c.Prefix) {
		logger.Warn("prefix 不合法，已忽略", zap.String("prefix", c.Prefix))
		c.Prefix = ""
	}

	return c.Validate()
}

// TotalTasks 任务总数 = repeat × 脚本数
func (c *Config) TotalTasks() int {
	return c.Repeat * len(c.Scripts)
}

// Validate 校验配置，返回的错误包装 ErrInvalidConfig
func (c *Config) Validate() error {
	v := &validator{}

	if strutil.IsBlank(c.URL) {
		v.add("url", "不能为空")
	} else if target, err := pool.ParseTarget(c.URL, c.Username, c.Password, c.Driver); err != nil {
		v.add("url", err.Error())
	} else if target.Dialect != pool.DialectSQLite && c.Username == "" {
		v.add("username", "不能为空")
	}

	if !c.PoolType.Valid() {
		v.add("pool_type", fmt.Sprintf("不支持的连接池类型 %q", c.PoolType))
	}
	if c.Thread <= 0 {
		v.add("thread", "必须大于 0")
	}
	if c.Repeat <= 0 {
		v.add("repeat", "必须大于 0")
	}
	if len(c.Scripts) == 0 {
		v.add("sql", "未指定任何脚本")
	}

	seen := make(map[string]struct{}, len(c.Scripts))
	for _, s := range c.Scripts {
		if s.ID == "" {
			v.add("scripts", "脚本 id 不能为空")
			continue
		}
		if _, ok := seen[s.ID]; ok {
			v.add("scripts", fmt.Sprintf("脚本名必须唯一: %s", s.ID))
		}
		seen[s.ID] = struct{}{}
	}

	if c.Output == "" {
		v.add("output", "不能为空")
	}
	if c.Failure < 0 {
		v.add("failure", "不能为负数")
	}
	if c.Prefix != "" && !prefixPattern.MatchString(c.Prefix) {
		v.add("prefix", "只允许字母、数字和 -_.")
	}

	if len(v.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, v.errs)
	}
	return nil
}
