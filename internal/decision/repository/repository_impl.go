package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/decision/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, decision *domain.SchedulingDecision) error {
	return db.WithContext(ctx).Create(decision).Error
}

func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, workloadID snowflake.ID) (*domain.SchedulingDecision, error) {
	var decision domain.SchedulingDecision
	err := db.WithContext(ctx).
		Where("workload_id = ? AND superseded = ?", workloadID, false).
		Order("created_at DESC, id DESC").
		First(&decision).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &decision, nil
}

func (r *repo) Supersede(ctx context.Context, db *gorm.DB, decisionID snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduling_decisions
		 SET superseded = true
		 WHERE id = ? AND superseded = false`,
		decisionID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByWorkload(ctx context.Context, db *gorm.DB, workloadID snowflake.ID) ([]domain.SchedulingDecision, error) {
	var decisions []domain.SchedulingDecision
	err := db.WithContext(ctx).
		Where("workload_id = ?", workloadID).
		Order("created_at ASC, id ASC").
		Find(&decisions).Error
	if err != nil {
		return nil, err
	}
	return decisions, nil
}
