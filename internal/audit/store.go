package audit

import (
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// EventModel is the persisted form of an audit event. Append-only: rows are
// only ever inserted, never updated or deleted.
type EventModel struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	ActorID       string    `gorm:"index" json:"actor_id"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `gorm:"index" json:"action"`
	EntityType    string    `gorm:"index:idx_entity" json:"entity_type"`
	EntityID      string    `gorm:"index:idx_entity" json:"entity_id"`
	PreviousState string    `json:"previous_state,omitempty"` // JSON snapshot
	NewState      string    `json:"new_state,omitempty"`      // JSON snapshot
	Metadata      string    `json:"metadata,omitempty"`       // JSON bag
	CreatedAt     time.Time `json:"created_at"`
}

func (EventModel) TableName() string { return "audit_events" }

// UserModel is the slice of the platform's users table the audit layer reads
// for role resolution. Owned by the surrounding application; we only select.
type UserModel struct {
	ID   string `gorm:"primaryKey" json:"id"`
	Role string `json:"role"`
}

func (UserModel) TableName() string { return "users" }

// Store is the durable audit event store
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the sqlite database at path and migrates the
// audit schema.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing gorm handle, e.g. the application's
// shared connection.
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&EventModel{}, &UserModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append inserts one event record. No transaction discipline: each write is
// independent, concurrent writers proceed without coordination.
func (s *Store) Append(rec *EventModel) error {
	return s.db.Create(rec).Error
}

// ResolveRole looks up a user's current role. Any failure (missing user,
// unknown role value, db error) falls back to the lowest-privilege role
// rather than failing the audit write.
func (s *Store) ResolveRole(userID string) Role {
	if userID == "" {
		return RoleLearner
	}
	var user UserModel
	if err := s.db.Select("role").First(&user, "id = ?", userID).Error; err != nil {
		return RoleLearner
	}
	if user.Role == "" {
		return RoleLearner
	}
	return Role(user.Role)
}

// RecentEvents returns the newest events, most recent first
func (s *Store) RecentEvents(limit int) ([]EventModel, error) {
	var events []EventModel
	err := s.db.Order("timestamp desc, id desc").Limit(limit).Find(&events).Error
	return events, err
}

// EventsByEntity returns events for one entity, most recent first
func (s *Store) EventsByEntity(entityType, entityID string, limit int) ([]EventModel, error) {
	var events []EventModel
	err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("timestamp desc, id desc").Limit(limit).Find(&events).Error
	return events, err
}

// LatestByEntity returns the most recent event for one entity, or
// gorm.ErrRecordNotFound when none has been recorded.
func (s *Store) LatestByEntity(entityType, entityID string) (*EventModel, error) {
	var event EventModel
	err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("timestamp desc, id desc").First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// CountEvents returns the total number of recorded events
func (s *Store) CountEvents() (int64, error) {
	var n int64
	err := s.db.Model(&EventModel{}).Count(&n).Error
	return n, err
}

// CountByAction returns how many events carry the given canonical action
func (s *Store) CountByAction(action Action) (int64, error) {
	var n int64
	err := s.db.Model(&EventModel{}).Where("action = ?", string(action)).Count(&n).Error
	return n, err
}

// CountByMetadata counts events whose metadata bag contains the given
// key/value pair. Metadata is stored as JSON text, so this is a LIKE match;
// good enough for report summaries.
func (s *Store) CountByMetadata(key, value string) (int64, error) {
	frag, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return 0, err
	}
	// Strip the surrounding braces to match the pair inside a larger object
	pattern := "%" + string(frag[1:len(frag)-1]) + "%"
	var n int64
	err = s.db.Model(&EventModel{}).Where("metadata LIKE ?", pattern).Count(&n).Error
	return n, err
}
