/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package kv

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/cadence/internal/db"
	"github.com/friendsincode/cadence/internal/models"
)

// SQL stores entries in the kv_entries table.
type SQL struct {
	db   *gorm.DB
	name string
	now  func() time.Time
}

// NewSQL wraps an open, migrated database.
func NewSQL(database *gorm.DB) *SQL {
	return &SQL{db: database, name: database.Dialector.Name(), now: time.Now}
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.KVEntry
	err := s.db.WithContext(ctx).Where("kv_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, observe(s.name, "get", nil)
	}
	if err != nil {
		return nil, false, observe(s.name, "get", err)
	}
	return entry.Value, true, observe(s.name, "get", nil)
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	entry := models.KVEntry{Key: key, Value: value, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	return observe(s.name, "set", err)
}

func (s *SQL) Remove(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&models.KVEntry{}).Error
	return observe(s.name, "remove", err)
}

// Keys matches with LIKE and re-checks the literal prefix, since % and _
// in prefix are wildcards to SQL.
func (s *SQL) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&models.KVEntry{}).
		Where("kv_key LIKE ?", prefix+"%").
		Pluck("kv_key", &keys).Error
	if err != nil {
		return nil, observe(s.name, "keys", err)
	}
	return filterSorted(keys, prefix), observe(s.name, "keys", nil)
}

func (s *SQL) Name() string { return s.name }

func (s *SQL) Close() error {
	return db.Close(s.db)
}
