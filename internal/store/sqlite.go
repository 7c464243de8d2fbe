package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"rtsync/internal/model"
)

// SQLiteConfig SQLite运行参数
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig 默认参数
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

const createTable = `CREATE TABLE IF NOT EXISTS offline_records (
	id   TEXT PRIMARY KEY,
	seq  INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_offline_records_seq ON offline_records(seq);`

// SQLite 基于modernc.org/sqlite的存储
type SQLite struct {
	db *sql.DB
}

// OpenSQLite 打开数据库并建表，WAL模式
func OpenSQLite(ctx context.Context, path string, cfg SQLiteConfig) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("SQLite存储缺少路径")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(FULL)",
		path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开SQLite失败: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化SQLite表失败: %w", err)
	}

	logrus.WithField("path", path).Info("离线记录使用SQLite存储")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, rec model.OfflineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化离线记录失败: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO offline_records (id, seq, data) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, data = excluded.data`,
		rec.ID, int64(rec.Seq), data)
	if err != nil {
		return fmt.Errorf("写入SQLite失败: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("删除SQLite记录失败: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]model.OfflineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM offline_records ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询SQLite失败: %w", err)
	}
	defer rows.Close()

	var out []model.OfflineRecord
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var rec model.OfflineRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			logrus.WithError(err).WithField("id", id).Warn("离线记录解析失败，已跳过")
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
