package models

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DraftEntry 本地草稿，保存未提交的编辑，重启后可恢复
type DraftEntry struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Key       string         `gorm:"type:varchar(64);uniqueIndex"`
	State     string         `gorm:"type:varchar(16)"`
	Revision  uint64
	GeomWKB   string         `gorm:"type:text"` // 十六进制WKB，便于外部工具读取
	Feature   datatypes.JSON `gorm:"type:json"`
	Original  datatypes.JSON `gorm:"type:json"`
	UpdatedAt int64          `gorm:"autoUpdateTime"`
}

func (DraftEntry) TableName() string {
	return "draft_entries"
}

// SaveRecord 提交记录
type SaveRecord struct {
	ID       int64          `gorm:"primaryKey;autoIncrement"`
	Username string         `gorm:"type:varchar(255)"`
	Date     string         `gorm:"type:varchar(32)"`
	Count    int
	Status   string         `gorm:"type:varchar(16)"` // success / failed
	Message  string         `gorm:"type:text"`
	Batch    datatypes.JSON `gorm:"type:json"`
}

func (SaveRecord) TableName() string {
	return "save_records"
}

// OpenDraftDB 打开草稿库并迁移表结构，path 为 ":memory:" 时使用内存库
func OpenDraftDB(path string, verbose bool) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "create draft directory")
		}
	}
	mode := logger.Silent
	if verbose {
		mode = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(mode),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open draft database")
	}
	if path == ":memory:" {
		// 内存库每个连接独立，只能用单连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "draft database handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&DraftEntry{}, &SaveRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate draft database")
	}
	return db, nil
}
