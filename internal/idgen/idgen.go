// Package idgen 生成任务关联 id，用于把客户端记录与后端 job 对应起来。
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Generator 关联 id 生成器，由一次运行显式创建并持有，可并发使用。
type Generator struct {
	prefix string
}

// New 创建生成器，prefix 为空时生成的 id 不带前缀
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// Prefix 返回生成器的前缀
func (g *Generator) Prefix() string {
	return g.prefix
}

// Next 返回一个新的 id，格式为 <prefix>_<32 位十六进制>，无前缀时只有十六进制部分。
// 使用时间有序的 UUIDv7，同一运行内生成的 id 按时间递增。
func (g *Generator) Next() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	if g.prefix == "" {
		return raw
	}
	return g.prefix + "_" + raw
}
