package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/vaultpilot/vaultpilot/internal/model"
)

// ActionLedger is the append-only audit trail. There is deliberately no
// update or delete path; a correction is a new record.
type ActionLedger struct {
	db *gorm.DB
}

func NewActionLedger(db *gorm.DB) *ActionLedger {
	return &ActionLedger{db: db}
}

func (l *ActionLedger) Append(ctx context.Context, rec *model.ActionRecord) error {
	return l.db.WithContext(ctx).Create(rec).Error
}

func (l *ActionLedger) ListByAddress(ctx context.Context, address string, kind model.ActionKind, limit int) ([]model.ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := l.db.WithContext(ctx).Where("address = ?", address)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var records []model.ActionRecord
	err := q.
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}
