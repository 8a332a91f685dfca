// Package spool persists outbound messages while the node is stranded so
// they can be replayed once any uplink path returns.
package spool

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry is one stored message, replayed oldest-first.
type Entry struct {
	ID        uint   `gorm:"primaryKey"`
	Topic     string `gorm:"size:256"`
	Payload   []byte
	CreatedAt time.Time
}

// Spool is a SQLite-backed FIFO of undelivered messages.
type Spool struct {
	db *gorm.DB
}

// Open creates or opens the spool database at path.
func Open(path string) (*Spool, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening spool db: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

// Store appends one message.
func (s *Spool) Store(topic string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	entry := Entry{Topic: topic, Payload: cp}
	if err := s.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("storing spool entry: %w", err)
	}
	return nil
}

// Fetch returns up to n oldest entries without removing them. The caller
// deletes entries after delivering them, so a failed delivery (or a
// crash) replays rather than loses; the broker side tolerates duplicates.
func (s *Spool) Fetch(n int) ([]Entry, error) {
	var entries []Entry
	if err := s.db.Order("id asc").Limit(n).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("fetching spool entries: %w", err)
	}
	return entries, nil
}

// Delete removes delivered entries by id.
func (s *Spool) Delete(ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.Delete(&Entry{}, ids).Error; err != nil {
		return fmt.Errorf("deleting spool entries: %w", err)
	}
	return nil
}

// Count returns the number of pending entries.
func (s *Spool) Count() (int64, error) {
	var n int64
	if err := s.db.Model(&Entry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting spool entries: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
