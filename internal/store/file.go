package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"rtsync/internal/model"
)

// File 以单个JSON文件保存全部记录，每次写入都原子替换文件
type File struct {
	path    string
	mu      sync.Mutex
	records map[string]model.OfflineRecord
	closed  bool
}

// OpenFile 打开或创建记录文件
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("文件存储缺少路径")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	f := &File{path: path, records: make(map[string]model.OfflineRecord)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("读取存储文件失败: %w", err)
	case len(data) > 0:
		var list []model.OfflineRecord
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("解析存储文件失败: %w", err)
		}
		for _, rec := range list {
			f.records[rec.ID] = rec
		}
	}

	logrus.WithFields(logrus.Fields{
		"path":    path,
		"records": len(f.records),
	}).Info("离线记录文件已加载")
	return f, nil
}

func (f *File) Put(_ context.Context, rec model.OfflineRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, existed := f.records[rec.ID]
	f.records[rec.ID] = rec
	if err := f.flush(); err != nil {
		if existed {
			f.records[rec.ID] = prev
		} else {
			delete(f.records, rec.ID)
		}
		return err
	}
	return nil
}

func (f *File) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	prev, existed := f.records[id]
	if !existed {
		return nil
	}
	delete(f.records, id)
	if err := f.flush(); err != nil {
		f.records[id] = prev
		return err
	}
	return nil
}

func (f *File) List(_ context.Context) ([]model.OfflineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return sortRecords(f.records), nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// flush 先写临时文件并fsync，再原子rename
func (f *File) flush() error {
	data, err := json.Marshal(sortRecords(f.records))
	if err != nil {
		return fmt.Errorf("序列化离线记录失败: %w", err)
	}

	pending, err := renameio.NewPendingFile(f.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("替换存储文件失败: %w", err)
	}
	return nil
}
