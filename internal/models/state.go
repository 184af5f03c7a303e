package models

import "time"

// StateEntry is one persisted piece of client state, stored as a JSON
// document under a fixed key.
type StateEntry struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:longtext;not null"`
	UpdatedAt time.Time
}
