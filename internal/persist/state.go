// Package persist saves client state (the conversation list and the core
// file cache) as JSON documents in the state table, and restores it at
// startup.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/inkwell/internal/conversation"
	"github.com/zulandar/inkwell/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Fixed state keys.
const (
	KeyConversations = "inkwell-conversations"
	KeyFileCache     = "inkwell-file-cache"
)

// State reads and writes persisted entries.
type State struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewState creates a State over a migrated database.
func NewState(db *gorm.DB, logger *zap.Logger) (*State, error) {
	if db == nil {
		return nil, fmt.Errorf("persist: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{db: db, log: logger}, nil
}

// Get returns the raw value stored under key.
func (s *State) Get(ctx context.Context, key string) (string, bool, error) {
	var e models.StateEntry
	err := s.db.WithContext(ctx).Where(&models.StateEntry{Key: key}).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("persist: read %s: %w", key, err)
	}
	return e.Value, true, nil
}

// Put stores value under key, replacing any previous value.
func (s *State) Put(ctx context.Context, key, value string) error {
	e := models.StateEntry{Key: key, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("persist: write %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *State) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where(&models.StateEntry{Key: key}).Delete(&models.StateEntry{}).Error
	if err != nil {
		return fmt.Errorf("persist: delete %s: %w", key, err)
	}
	return nil
}

// load decodes the JSON stored under key into v. A value that does not
// decode is deleted so the next start begins clean; found is false then.
func (s *State) load(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		s.log.Warn("corrupted state entry deleted", zap.String("key", key), zap.Error(err))
		return false, s.Delete(ctx, key)
	}
	return true, nil
}

// LoadConversations returns the persisted conversation list, newest first.
func (s *State) LoadConversations(ctx context.Context) ([]conversation.Conversation, error) {
	var convs []conversation.Conversation
	ok, err := s.load(ctx, KeyConversations, &convs)
	if err != nil || !ok {
		return nil, err
	}
	s.log.Debug("conversations loaded", zap.Int("count", len(convs)))
	return convs, nil
}

// SaveConversations stores convs. Pending messages are left out; an empty
// list removes the entry.
func (s *State) SaveConversations(ctx context.Context, convs []conversation.Conversation) error {
	if len(convs) == 0 {
		return s.Delete(ctx, KeyConversations)
	}
	out := make([]conversation.Conversation, len(convs))
	for i, c := range convs {
		msgs := make([]conversation.Message, 0, len(c.Messages))
		for _, m := range c.Messages {
			if !m.Pending {
				msgs = append(msgs, m)
			}
		}
		c.Messages = msgs
		out[i] = c
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("persist: encode conversations: %w", err)
	}
	if err := s.Put(ctx, KeyConversations, string(data)); err != nil {
		return err
	}
	s.log.Debug("conversations saved", zap.Int("count", len(convs)), zap.Int("bytes", len(data)))
	return nil
}

// LoadFileCache returns the persisted core file texts.
func (s *State) LoadFileCache(ctx context.Context) (map[string]string, error) {
	var files map[string]string
	ok, err := s.load(ctx, KeyFileCache, &files)
	if err != nil || !ok {
		return nil, err
	}
	return files, nil
}

// SaveFileCache stores files. An empty map removes the entry.
func (s *State) SaveFileCache(ctx context.Context, files map[string]string) error {
	if len(files) == 0 {
		return s.Delete(ctx, KeyFileCache)
	}
	data, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("persist: encode file cache: %w", err)
	}
	return s.Put(ctx, KeyFileCache, string(data))
}
