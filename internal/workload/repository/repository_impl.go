package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/verdant/internal/workload/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, workload *domain.Workload) error {
	return db.WithContext(ctx).Create(workload).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Workload, error) {
	var workload domain.Workload
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&workload).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &workload, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.WorkloadStatus, evaluatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE workloads
		 SET status = ?, last_evaluated_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		evaluatedAt,
		evaluatedAt,
		id,
		from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) TouchLastEvaluated(ctx context.Context, db *gorm.DB, id snowflake.ID, evaluatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE workloads SET last_evaluated_at = ?, updated_at = ? WHERE id = ?`,
		evaluatedAt,
		evaluatedAt,
		id,
	).Error
}
