package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() budgetdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, budget *budgetdomain.CarbonBudget) error {
	return db.WithContext(ctx).Create(budget).Error
}

func (r *repo) FindCovering(ctx context.Context, db *gorm.DB, serviceID string, at time.Time) (*budgetdomain.CarbonBudget, error) {
	var budget budgetdomain.CarbonBudget
	err := db.WithContext(ctx).
		Where("service_id = ? AND period_start <= ? AND period_end > ?", serviceID, at, at).
		First(&budget).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &budget, nil
}

func (r *repo) LatestForService(ctx context.Context, db *gorm.DB, serviceID string) (*budgetdomain.CarbonBudget, error) {
	var budget budgetdomain.CarbonBudget
	err := db.WithContext(ctx).
		Where("service_id = ?", serviceID).
		Order("period_start DESC").
		First(&budget).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &budget, nil
}

func (r *repo) LatestPerService(ctx context.Context, db *gorm.DB) ([]budgetdomain.CarbonBudget, error) {
	var budgets []budgetdomain.CarbonBudget
	err := db.WithContext(ctx).Raw(
		`SELECT cb.*
		 FROM carbon_budgets cb
		 JOIN (
		     SELECT service_id, MAX(period_start) AS period_start
		     FROM carbon_budgets
		     GROUP BY service_id
		 ) latest
		 ON latest.service_id = cb.service_id AND latest.period_start = cb.period_start
		 ORDER BY cb.service_id ASC`,
	).Scan(&budgets).Error
	if err != nil {
		return nil, err
	}
	return budgets, nil
}

func (r *repo) UpdateConfig(ctx context.Context, db *gorm.DB, id snowflake.ID, limitKgCO2e, alertPct float64, action budgetdomain.EnforcementAction, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE carbon_budgets
		 SET limit_kg_co2e = ?, alert_threshold_pct = ?, enforcement_action = ?, updated_at = ?
		 WHERE id = ?`,
		limitKgCO2e,
		alertPct,
		action,
		updatedAt,
		id,
	).Error
}

func (r *repo) ReserveWithinLimit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount float64, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE carbon_budgets
		 SET consumed_kg_co2e = consumed_kg_co2e + ?, updated_at = ?
		 WHERE id = ? AND consumed_kg_co2e + ? <= limit_kg_co2e`,
		amount,
		updatedAt,
		id,
		amount,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) AddConsumed(ctx context.Context, db *gorm.DB, id snowflake.ID, amount float64, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE carbon_budgets
		 SET consumed_kg_co2e = consumed_kg_co2e + ?, updated_at = ?
		 WHERE id = ?`,
		amount,
		updatedAt,
		id,
	).Error
}

func (r *repo) LatchAlert(ctx context.Context, db *gorm.DB, id snowflake.ID, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE carbon_budgets
		 SET alert_fired = ?, updated_at = ?
		 WHERE id = ? AND alert_fired = ?`,
		true,
		updatedAt,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
