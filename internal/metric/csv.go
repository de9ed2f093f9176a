package metric

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink 接收测量记录。只由调度器的单个消费循环写入，无需内部同步。
type Sink interface {
	// WriteHeader 写入表头
	WriteHeader() error
	// Write 写入一条记录
	Write(rec *Record) error
	// Close 刷新并关闭
	Close() error
}

// CSVSink 将记录写入 CSV 文件或任意 io.Writer。
type CSVSink struct {
	w      *csv.Writer
	closer io.Closer
	closed bool
}

// NewCSVSink 创建目标文件（必要时创建目录）并返回写入该文件的 sink。
func NewCSVSink(path string) (*CSVSink, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建目录失败: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("创建文件失败: %w", err)
	}

	return &CSVSink{w: csv.NewWriter(file), closer: file}, nil
}

// NewCSVWriterSink 写入给定的 writer，Close 时不关闭 writer。
func NewCSVWriterSink(w io.Writer) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w)}
}

// WriteHeader 写入固定表头
func (s *CSVSink) WriteHeader() error {
	if err := s.w.Write(header); err != nil {
		return fmt.Errorf("写入头部失败: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Write 写入一条记录。行先进入 csv.Writer 的缓冲区，Close 时统一刷盘。
func (s *CSVSink) Write(rec *Record) error {
	if s.closed {
		return fmt.Errorf("sink 已关闭")
	}
	if err := s.w.Write(rec.Fields()); err != nil {
		return fmt.Errorf("写入记录失败: %w", err)
	}
	return nil
}

// Close 刷新缓冲并关闭底层文件，可重复调用。
func (s *CSVSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.w.Flush()
	if err := s.w.Error(); err != nil {
		if s.closer != nil {
			s.closer.Close()
		}
		return fmt.Errorf("CSV 写入错误: %w", err)
	}

	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return fmt.Errorf("关闭文件失败: %w", err)
		}
	}
	return nil
}
