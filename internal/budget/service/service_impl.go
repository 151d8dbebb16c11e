package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	"github.com/smallbiznis/verdant/pkg/db"
)

const budgetKeyPrefix = "verdant:budget:"

// reserveScript seeds the period counter from the database value on first
// touch, then admits the amount only when it fits under the limit. One
// round trip keeps the check-and-increment atomic across instances.
const reserveScript = `
redis.call("SET", KEYS[1], ARGV[3], "NX", "EX", tonumber(ARGV[4]))
local consumed = tonumber(redis.call("GET", KEYS[1]))
local amount = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if consumed + amount > limit then
  return 0
end
redis.call("INCRBYFLOAT", KEYS[1], amount)
return 1
`

// mirrorScript adds bypassed consumption to the period counter only when it
// already exists. A missing key is seeded from the database on the next
// gated reserve, which already includes this commit.
const mirrorScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("INCRBYFLOAT", KEYS[1], ARGV[1])
end
return 1
`

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Repo   budgetdomain.Repository
	Holder *config.PolicyHolder
	Clock  clock.Clock
	Alerts alertdomain.Service
	Redis  *redis.Client `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    budgetdomain.Repository
	holder  *config.PolicyHolder
	clock   clock.Clock
	alerts  alertdomain.Service
	redis   *redis.Client
	reserve *redis.Script
	mirror  *redis.Script
}

func New(p Params) budgetdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("budget.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		holder:  p.Holder,
		clock:   p.Clock,
		alerts:  p.Alerts,
		redis:   p.Redis,
		reserve: redis.NewScript(reserveScript),
		mirror:  redis.NewScript(mirrorScript),
	}
}

func (s *Service) Configure(ctx context.Context, req budgetdomain.ConfigureRequest) (*budgetdomain.Response, error) {
	serviceID := budgetdomain.NormalizeServiceID(req.ServiceID)
	if !budgetdomain.ValidServiceID(serviceID) {
		return nil, budgetdomain.ErrInvalidServiceID
	}
	if req.LimitKgCO2e <= 0 {
		return nil, budgetdomain.ErrInvalidLimit
	}

	alertPct := req.AlertThresholdPct
	if alertPct == 0 {
		alertPct = s.holder.Current().DefaultAlertPct
	}
	if alertPct <= 0 || alertPct > 100 {
		return nil, budgetdomain.ErrInvalidThreshold
	}

	action := budgetdomain.ActionAdvisory
	if raw := strings.TrimSpace(req.EnforcementAction); raw != "" {
		parsed, ok := budgetdomain.ParseEnforcementAction(raw)
		if !ok {
			return nil, budgetdomain.ErrInvalidAction
		}
		action = parsed
	}

	now := s.clock.Now().UTC()
	existing, err := s.repo.FindCovering(ctx, s.db, serviceID, now)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		start, end := budgetdomain.PeriodBounds(now)
		budget := &budgetdomain.CarbonBudget{
			ID:                s.genID.Generate(),
			ServiceID:         serviceID,
			PeriodStart:       start,
			PeriodEnd:         end,
			LimitKgCO2e:       req.LimitKgCO2e,
			AlertThresholdPct: alertPct,
			EnforcementAction: action,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		err := s.repo.Insert(ctx, s.db, budget)
		if err == nil {
			obsmetrics.Policy().SetBudgetConsumedRatio(serviceID, 0)
			return toResponse(budget), nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// Lost a concurrent Configure; fall through and update that row.
		existing, err = s.repo.FindCovering(ctx, s.db, serviceID, now)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, budgetdomain.ErrNotFound
		}
	}

	if err := s.repo.UpdateConfig(ctx, s.db, existing.ID, req.LimitKgCO2e, alertPct, action, now); err != nil {
		return nil, err
	}
	existing.LimitKgCO2e = req.LimitKgCO2e
	existing.AlertThresholdPct = alertPct
	existing.EnforcementAction = action
	existing.UpdatedAt = now

	obsmetrics.Policy().SetBudgetConsumedRatio(serviceID, existing.ConsumedRatio())
	return toResponse(existing), nil
}

func (s *Service) Current(ctx context.Context, serviceID string) (*budgetdomain.Response, error) {
	serviceID = budgetdomain.NormalizeServiceID(serviceID)
	if !budgetdomain.ValidServiceID(serviceID) {
		return nil, budgetdomain.ErrInvalidServiceID
	}

	budget, err := s.periodRow(ctx, serviceID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	if budget == nil {
		return nil, budgetdomain.ErrNotFound
	}
	return toResponse(budget), nil
}

func (s *Service) CheckAndReserve(ctx context.Context, serviceID string, estimateKgCO2e float64, at time.Time) (budgetdomain.Reservation, error) {
	serviceID = budgetdomain.NormalizeServiceID(serviceID)
	if !budgetdomain.ValidServiceID(serviceID) {
		return budgetdomain.Reservation{}, budgetdomain.ErrInvalidServiceID
	}
	if estimateKgCO2e < 0 {
		estimateKgCO2e = 0
	}

	budget, err := s.periodRow(ctx, serviceID, at)
	if err != nil {
		return budgetdomain.Reservation{}, err
	}
	if budget == nil {
		obsmetrics.Policy().IncBudgetReservation(string(budgetdomain.ActionNone), true)
		return budgetdomain.Reservation{Allowed: true, Action: budgetdomain.ActionNone}, nil
	}

	admitted, err := s.reserveWithinLimit(ctx, budget, estimateKgCO2e)
	if err != nil {
		return budgetdomain.Reservation{}, err
	}
	if admitted {
		budget.ConsumedKgCO2e += estimateKgCO2e
		s.afterConsumption(ctx, budget)
		obsmetrics.Policy().IncBudgetReservation(string(budget.EnforcementAction), true)
		return budgetdomain.Reservation{Allowed: true, Action: budgetdomain.ActionNone, Budget: budget}, nil
	}

	switch budget.EnforcementAction {
	case budgetdomain.ActionBlock:
		obsmetrics.Policy().IncBudgetReservation(string(budgetdomain.ActionBlock), false)
		return budgetdomain.Reservation{Allowed: false, Action: budgetdomain.ActionBlock, OverLimit: true, Budget: budget}, nil
	case budgetdomain.ActionThrottle:
		// Consumption lands via CommitBypass once the deferred slot is known.
		obsmetrics.Policy().IncBudgetReservation(string(budgetdomain.ActionThrottle), true)
		return budgetdomain.Reservation{Allowed: true, Action: budgetdomain.ActionThrottle, OverLimit: true, Budget: budget}, nil
	default:
		if err := s.addConsumed(ctx, budget, estimateKgCO2e); err != nil {
			return budgetdomain.Reservation{}, err
		}
		s.afterConsumption(ctx, budget)
		obsmetrics.Policy().IncBudgetReservation(string(budgetdomain.ActionAdvisory), true)
		return budgetdomain.Reservation{Allowed: true, Action: budgetdomain.ActionNone, OverLimit: true, Budget: budget}, nil
	}
}

func (s *Service) CommitBypass(ctx context.Context, serviceID string, kgCO2e float64, at time.Time) error {
	serviceID = budgetdomain.NormalizeServiceID(serviceID)
	if !budgetdomain.ValidServiceID(serviceID) {
		return budgetdomain.ErrInvalidServiceID
	}
	if kgCO2e <= 0 {
		return nil
	}

	budget, err := s.periodRow(ctx, serviceID, at)
	if err != nil {
		return err
	}
	if budget == nil {
		return nil
	}

	if err := s.addConsumed(ctx, budget, kgCO2e); err != nil {
		return err
	}
	s.afterConsumption(ctx, budget)
	return nil
}

func (s *Service) EnsureCurrentPeriods(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	templates, err := s.repo.LatestPerService(ctx, s.db)
	if err != nil {
		return 0, err
	}

	created := 0
	for i := range templates {
		tpl := templates[i]
		if tpl.PeriodEnd.After(now) {
			continue
		}

		start, end := budgetdomain.PeriodBounds(now)
		row := &budgetdomain.CarbonBudget{
			ID:                s.genID.Generate(),
			ServiceID:         tpl.ServiceID,
			PeriodStart:       start,
			PeriodEnd:         end,
			LimitKgCO2e:       tpl.LimitKgCO2e,
			AlertThresholdPct: tpl.AlertThresholdPct,
			EnforcementAction: tpl.EnforcementAction,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.Insert(ctx, s.db, row); err != nil {
			if db.IsDuplicateKeyErr(err) {
				continue
			}
			return created, err
		}
		created++
		obsmetrics.Policy().SetBudgetConsumedRatio(tpl.ServiceID, 0)
		s.log.Info("rolled budget into new period",
			zap.String("service_id", tpl.ServiceID),
			zap.Time("period_start", start),
		)
	}
	return created, nil
}

// periodRow finds the period covering at, materializing it from the newest
// configuration when rollover has not created it yet. Returns nil when the
// service has no budget configured at all.
func (s *Service) periodRow(ctx context.Context, serviceID string, at time.Time) (*budgetdomain.CarbonBudget, error) {
	at = at.UTC()
	budget, err := s.repo.FindCovering(ctx, s.db, serviceID, at)
	if err != nil || budget != nil {
		return budget, err
	}

	tpl, err := s.repo.LatestForService(ctx, s.db, serviceID)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, nil
	}

	start, end := budgetdomain.PeriodBounds(at)
	now := s.clock.Now().UTC()
	row := &budgetdomain.CarbonBudget{
		ID:                s.genID.Generate(),
		ServiceID:         serviceID,
		PeriodStart:       start,
		PeriodEnd:         end,
		LimitKgCO2e:       tpl.LimitKgCO2e,
		AlertThresholdPct: tpl.AlertThresholdPct,
		EnforcementAction: tpl.EnforcementAction,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Insert(ctx, s.db, row); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindCovering(ctx, s.db, serviceID, at)
		}
		return nil, err
	}
	return row, nil
}

// reserveWithinLimit runs the gated increment through redis when configured,
// falling back to the guarded UPDATE when redis is unreachable.
func (s *Service) reserveWithinLimit(ctx context.Context, budget *budgetdomain.CarbonBudget, amount float64) (bool, error) {
	now := s.clock.Now().UTC()

	if s.redis != nil {
		res, err := s.reserve.Run(ctx, s.redis,
			[]string{s.periodKey(budget)},
			amount,
			budget.LimitKgCO2e,
			budget.ConsumedKgCO2e,
			s.periodKeyTTL(budget, now),
		).Int()
		if err == nil {
			admitted := res == 1
			if admitted {
				// Mirror into the row so the database stays the source
				// of record for reporting.
				if err := s.repo.AddConsumed(ctx, s.db, budget.ID, amount, now); err != nil {
					return false, err
				}
			}
			return admitted, nil
		}
		s.log.Warn("redis budget reserve failed, falling back to database gate",
			zap.String("service_id", budget.ServiceID),
			zap.Error(err),
		)
	}

	return s.repo.ReserveWithinLimit(ctx, s.db, budget.ID, amount, now)
}

// addConsumed records ungated consumption in the database and keeps a live
// redis counter in step.
func (s *Service) addConsumed(ctx context.Context, budget *budgetdomain.CarbonBudget, amount float64) error {
	now := s.clock.Now().UTC()
	if err := s.repo.AddConsumed(ctx, s.db, budget.ID, amount, now); err != nil {
		return err
	}
	budget.ConsumedKgCO2e += amount

	if s.redis != nil {
		if err := s.mirror.Run(ctx, s.redis, []string{s.periodKey(budget)}, amount).Err(); err != nil {
			s.log.Warn("failed to mirror consumption into redis",
				zap.String("service_id", budget.ServiceID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// afterConsumption refreshes the consumed gauge and fires the once-per-period
// threshold alert. Alert failures never fail the reservation.
func (s *Service) afterConsumption(ctx context.Context, budget *budgetdomain.CarbonBudget) {
	ratio := budget.ConsumedRatio()
	obsmetrics.Policy().SetBudgetConsumedRatio(budget.ServiceID, ratio)

	if budget.AlertThresholdPct <= 0 || ratio*100 < budget.AlertThresholdPct {
		return
	}

	latched, err := s.repo.LatchAlert(ctx, s.db, budget.ID, s.clock.Now().UTC())
	if err != nil {
		s.log.Warn("failed to latch budget alert",
			zap.String("service_id", budget.ServiceID),
			zap.Error(err),
		)
		return
	}
	if !latched {
		return
	}
	budget.AlertFired = true

	severity := alertdomain.SeverityWarning
	if ratio >= 1 {
		severity = alertdomain.SeverityCritical
	}
	_, err = s.alerts.Record(ctx, alertdomain.RecordRequest{
		Type:      string(alertdomain.AlertTypeBudget),
		Severity:  string(severity),
		ServiceID: budget.ServiceID,
		Message:   fmt.Sprintf("carbon budget for %s at %.0f%% of limit", budget.ServiceID, ratio*100),
		Payload: map[string]any{
			"consumed_kg_co2e":   budget.ConsumedKgCO2e,
			"limit_kg_co2e":      budget.LimitKgCO2e,
			"consumed_ratio":     ratio,
			"period_start":       budget.PeriodStart.Format(time.RFC3339),
			"enforcement_action": string(budget.EnforcementAction),
		},
	})
	if err != nil {
		s.log.Warn("failed to record budget alert",
			zap.String("service_id", budget.ServiceID),
			zap.Error(err),
		)
	}
}

func (s *Service) periodKey(budget *budgetdomain.CarbonBudget) string {
	return budgetKeyPrefix + budget.ServiceID + ":" + budget.PeriodStart.Format("200601")
}

// periodKeyTTL keeps the counter alive one day past the period so stragglers
// straddling rollover still see it, then lets it expire.
func (s *Service) periodKeyTTL(budget *budgetdomain.CarbonBudget, now time.Time) int64 {
	ttl := budget.PeriodEnd.Sub(now) + 24*time.Hour
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return int64(ttl / time.Second)
}

func toResponse(budget *budgetdomain.CarbonBudget) *budgetdomain.Response {
	return &budgetdomain.Response{
		ID:                budget.ID.String(),
		ServiceID:         budget.ServiceID,
		PeriodStart:       budget.PeriodStart,
		PeriodEnd:         budget.PeriodEnd,
		LimitKgCO2e:       budget.LimitKgCO2e,
		ConsumedKgCO2e:    budget.ConsumedKgCO2e,
		ConsumedRatio:     budget.ConsumedRatio(),
		AlertThresholdPct: budget.AlertThresholdPct,
		EnforcementAction: budget.EnforcementAction,
		AlertFired:        budget.AlertFired,
	}
}
