package config

import (
	"fmt"
	"io"
	"strings"
)

const (
	previewWidth   = 80
	previewCut     = 76
	previewScripts = 100
)

// Print 输出人类可读的配置回显，密码以 * 遮盖
func (c *Config) Print(w io.Writer) {
	fmt.Fprintf(w, "pool    : %s\n", c.PoolType)
	fmt.Fprintf(w, "url     : %s\n", c.URL)
	if c.Driver != "" {
		fmt.Fprintf(w, "driver  : %s\n", c.Driver)
	}
	fmt.Fprintf(w, "username: %s\n", c.Username)
	fmt.Fprintf(w, "password: %s\n", strings.Repeat("*", len(c.Password)))
	fmt.Fprintf(w, "init sql: %s\n", c.Init)
	fmt.Fprintf(w, "thread  : %d\n", c.Thread)
	fmt.Fprintf(w, "sql     : %d\n", len(c.Scripts))
	for i, s := range c.Scripts {
		if i >= previewScripts {
			fmt.Fprintln(w, "  ...")
			break
		}
		fmt.Fprintf(w, "  %s: %s\n", s.ID, preview(s.SQL))
	}
	fmt.Fprintf(w, "repeat  : %d\n", c.Repeat)
	fmt.Fprintf(w, "total   : %d\n", c.TotalTasks())
	fmt.Fprintf(w, "stop if : fail > %g%%\n", c.Failure)
	if c.Prefix != "" {
		fmt.Fprintf(w, "prefix  : %s\n", c.Prefix)
	}
	if c.Telemetry.Endpoint != "" {
		fmt.Fprintf(w, "profile : %s\n", c.Telemetry.Endpoint)
	}
	fmt.Fprintf(w, "output  : %s\n", c.Output)
}

func preview(sql string) string {
	s := []rune(strings.TrimSpace(sql))
	if len(s) > previewWidth {
		return string(s[:previewCut]) + " ..."
	}
	return string(s)
}
