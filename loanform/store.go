package loanform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDraftNotFound is returned for unknown draft ids.
var ErrDraftNotFound = errors.New("loanform: draft not found")

// Draft is a loan application in progress.
type Draft struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Borrower    string    `gorm:"size:42;index" json:"borrower"`
	Step        int       `gorm:"not null" json:"step"`
	Fields      Fields    `gorm:"serializer:json" json:"fields"`
	SubmittedTx string    `gorm:"size:66" json:"submittedTx,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Draft) TableName() string { return "loan_drafts" }

// Submitted reports whether the draft has been sent on chain.
func (d *Draft) Submitted() bool { return d.SubmittedTx != "" }

// Open connects to the draft database. postgres:// and postgresql:// DSNs use
// the postgres driver; anything else is treated as a sqlite path or URI.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("drafts dsn required")
	}
	var dialector gorm.Dialector
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open drafts db: %w", err)
	}
	return db, nil
}

// Store persists drafts through gorm.
type Store struct {
	db *gorm.DB
}

// NewStore migrates the draft schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("drafts db required")
	}
	if err := db.AutoMigrate(&Draft{}); err != nil {
		return nil, fmt.Errorf("migrate drafts: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, draft *Draft) error {
	if draft.ID == uuid.Nil {
		draft.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(draft).Error
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Draft, error) {
	var draft Draft
	if err := s.db.WithContext(ctx).First(&draft, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDraftNotFound
		}
		return nil, err
	}
	return &draft, nil
}

// Update loads the draft under a row lock, applies fn and saves the result.
// Nothing is written when fn fails.
func (s *Store) Update(ctx context.Context, id uuid.UUID, fn func(*Draft) error) (*Draft, error) {
	var draft Draft
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&draft, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDraftNotFound
			}
			return err
		}
		if err := fn(&draft); err != nil {
			return err
		}
		return tx.Save(&draft).Error
	})
	if err != nil {
		return nil, err
	}
	return &draft, nil
}
