package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
)

type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// FileHook 把警告及以上级别的日志保存到有上限的errors.log
type FileHook struct {
	path       string
	maxEntries int
	mutex      sync.Mutex
}

var (
	fileHook *FileHook
	once     sync.Once
)

// Init 初始化日志系统
func Init(level string, maxEntries int, dir string) {
	once.Do(func() {
		// 设置日志级别
		logLevel, err := logrus.ParseLevel(level)
		if err != nil {
			logLevel = logrus.InfoLevel
		}
		logrus.SetLevel(logLevel)

		// 设置日志格式
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})

		hook, err := NewFileHook(dir, maxEntries)
		if err != nil {
			logrus.WithError(err).Error("创建日志目录失败")
			return
		}
		fileHook = hook
		logrus.AddHook(fileHook)

		logrus.WithFields(logrus.Fields{
			"level":       logLevel.String(),
			"max_entries": maxEntries,
			"log_dir":     dir,
		}).Info("日志系统已初始化")
	})
}

// NewFileHook 创建文件hook
func NewFileHook(dir string, maxEntries int) (*FileHook, error) {
	if dir == "" {
		dir = "logs"
	}
	if maxEntries <= 0 {
		maxEntries = 200
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &FileHook{
		path:       filepath.Join(dir, "errors.log"),
		maxEntries: maxEntries,
	}, nil
}

// Fire 实现logrus.Hook接口
func (hook *FileHook) Fire(entry *logrus.Entry) error {
	if entry.Level > logrus.WarnLevel {
		return nil
	}

	logEntry := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if len(entry.Data) > 0 {
		logEntry.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			// error值直接序列化会变成{}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			logEntry.Fields[k] = v
		}
	}

	hook.mutex.Lock()
	defer hook.mutex.Unlock()
	return hook.append(logEntry)
}

// Levels 返回此hook关心的日志级别
func (hook *FileHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

// Entries 最新的在前，limit<=0时返回全部
func (hook *FileHook) Entries(limit int) ([]LogEntry, error) {
	hook.mutex.Lock()
	logs, err := hook.read()
	hook.mutex.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]LogEntry, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		out = append(out, logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (hook *FileHook) append(entry LogEntry) error {
	logs, err := hook.read()
	if err != nil {
		return err
	}
	logs = append(logs, entry)
	if len(logs) > hook.maxEntries {
		logs = logs[len(logs)-hook.maxEntries:]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range logs {
		if err := enc.Encode(l); err != nil {
			continue
		}
	}
	if err := renameio.WriteFile(hook.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("写入日志文件失败: %w", err)
	}
	return nil
}

// read 按写入顺序读取，无法解析的行跳过
func (hook *FileHook) read() ([]LogEntry, error) {
	data, err := os.ReadFile(hook.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取日志文件失败: %w", err)
	}

	var logs []LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var logEntry LogEntry
		if err := json.Unmarshal(line, &logEntry); err == nil {
			logs = append(logs, logEntry)
		}
	}
	return logs, nil
}

// GetErrorLogs 获取错误日志（用于监控）
func GetErrorLogs(limit int) ([]LogEntry, error) {
	if fileHook == nil {
		return nil, fmt.Errorf("日志系统未初始化")
	}
	return fileHook.Entries(limit)
}
