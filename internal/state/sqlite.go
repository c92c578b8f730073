// Package state persists local bookkeeping for sandbox handles and the
// ad-hoc commands executed against them. The control plane remains the
// source of truth for build records and session ownership; this store only
// lets a restarted daemon recover in-flight sandbox handles.
package state

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sandbox is the local record of a sandbox handle created through the
// provider adapter.
type Sandbox struct {
	ID             string `gorm:"primaryKey"`
	Kind           string // "session" or "build"
	RepoOwner      string
	RepoName       string
	ProviderHandle string
	BootMode       string
	State          string // CREATING, RUNNING, EXITED, DESTROYED
	ExitCode       *int
	TTLSeconds     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time `gorm:"index"`
}

// Command is an audit record of a command executed inside a sandbox via
// the provider adapter's Exec operation.
type Command struct {
	ID         string `gorm:"primaryKey"`
	SandboxID  string `gorm:"index"`
	Command    string
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMS int64
	StartedAt  time.Time
	EndedAt    time.Time
}

// Store wraps a gorm database handle for local state persistence.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) a SQLite database at path and migrates the
// schema. Pass ":memory:" for an ephemeral in-process store.
func NewStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Sandbox{}, &Command{}); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateSandbox inserts a new sandbox record.
func (s *Store) CreateSandbox(ctx context.Context, sb *Sandbox) error {
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = time.Now().UTC()
	}
	sb.UpdatedAt = sb.CreatedAt
	return s.db.WithContext(ctx).Create(sb).Error
}

// GetSandbox returns a non-deleted sandbox record by id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	err := s.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&sb).Error
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes returns all non-deleted sandbox records.
func (s *Store) ListSandboxes(ctx context.Context) ([]*Sandbox, error) {
	var list []*Sandbox
	err := s.db.WithContext(ctx).Where("deleted_at IS NULL").Find(&list).Error
	return list, err
}

// UpdateSandbox persists changes to an existing sandbox record.
func (s *Store) UpdateSandbox(ctx context.Context, sb *Sandbox) error {
	sb.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(sb).Error
}

// DeleteSandbox soft-deletes a sandbox record, marking it DESTROYED.
func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&Sandbox{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"state":      "DESTROYED",
			"deleted_at": now,
			"updated_at": now,
		}).Error
}

// ListExpiredSandboxes returns all non-deleted sandboxes not in the
// DESTROYED state whose effective TTL
// (per-record TTLSeconds, falling back to defaultTTL when zero) has elapsed.
func (s *Store) ListExpiredSandboxes(ctx context.Context, defaultTTL time.Duration) ([]*Sandbox, error) {
	var candidates []*Sandbox
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL AND state != ?", "DESTROYED").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var expired []*Sandbox
	for _, sb := range candidates {
		ttl := defaultTTL
		if sb.TTLSeconds > 0 {
			ttl = time.Duration(sb.TTLSeconds) * time.Second
		}
		if now.Sub(sb.CreatedAt) >= ttl {
			expired = append(expired, sb)
		}
	}
	return expired, nil
}

// CreateCommand inserts a command audit record.
func (s *Store) CreateCommand(ctx context.Context, cmd *Command) error {
	return s.db.WithContext(ctx).Create(cmd).Error
}

// ListSandboxCommands returns commands for a sandbox, most recent first.
func (s *Store) ListSandboxCommands(ctx context.Context, sandboxID string) ([]*Command, error) {
	var list []*Command
	err := s.db.WithContext(ctx).
		Where("sandbox_id = ?", sandboxID).
		Order("started_at DESC").
		Find(&list).Error
	return list, err
}
