package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"github.com/smallbiznis/verdant/internal/clock"
	"github.com/smallbiznis/verdant/internal/config"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	obsmetrics "github.com/smallbiznis/verdant/internal/observability/metrics"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"github.com/smallbiznis/verdant/internal/residency"
	"github.com/smallbiznis/verdant/internal/scheduler/guard"
	"github.com/smallbiznis/verdant/internal/scoring"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

const (
	// defaultRetryAfter is the re-poll hint attached to deferred outcomes.
	// The background poller re-evaluates on the same cadence.
	defaultRetryAfter = time.Minute

	gramsPerKg = 1000.0
)

// errTransitionLost marks a guarded UPDATE that found the row already moved
// by a concurrent pass. The loser re-reads and replays the recorded outcome.
var errTransitionLost = errors.New("decision: transition lost")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       decisiondomain.Repository
	Workloads  workloaddomain.Repository
	Tenants    tenantdomain.Service
	Regions    regiondomain.Service
	Budgets    budgetdomain.Service
	Audit      auditdomain.Service
	Alerts     alertdomain.Service
	Holder     *config.PolicyHolder
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      decisiondomain.Repository
	workloads workloaddomain.Repository
	tenants   tenantdomain.Service
	regions   regiondomain.Service
	budgets   budgetdomain.Service
	audit     auditdomain.Service
	alerts    alertdomain.Service
	holder    *config.PolicyHolder
	clock     clock.Clock
	obs       *obsmetrics.Metrics
}

func New(p Params) decisiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("decision.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		workloads: p.Workloads,
		tenants:   p.Tenants,
		regions:   p.Regions,
		budgets:   p.Budgets,
		audit:     p.Audit,
		alerts:    p.Alerts,
		holder:    p.Holder,
		clock:     p.Clock,
		obs:       p.ObsMetrics,
	}
}

func (s *Service) Submit(ctx context.Context, req decisiondomain.SubmitRequest) (*decisiondomain.Outcome, error) {
	tenantID, err := snowflake.ParseString(strings.TrimSpace(req.TenantID))
	if err != nil || tenantID == 0 {
		return nil, workloaddomain.ErrInvalidTenant
	}
	serviceID := budgetdomain.NormalizeServiceID(req.ServiceID)
	if !budgetdomain.ValidServiceID(serviceID) {
		return nil, workloaddomain.ErrInvalidService
	}
	if req.EnergyEstimateKWh <= 0 || math.IsNaN(req.EnergyEstimateKWh) || math.IsInf(req.EnergyEstimateKWh, 0) {
		return nil, workloaddomain.ErrInvalidEnergy
	}

	tenant, err := s.tenants.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	policy := s.holder.Current()
	class, known := workloaddomain.Classify(req.Class)
	classPolicy := workloaddomain.EffectivePolicy(class, policy)

	now := s.clock.Now().UTC()
	workload := &workloaddomain.Workload{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		ServiceID:         serviceID,
		Class:             class,
		EnergyEstimateKWh: req.EnergyEstimateKWh,
		RequestedRegion:   regiondomain.NormalizeID(req.RequestedRegion),
		SubmittedAt:       now,
		Deadline:          now.Add(classPolicy.MaxDelay),
		Status:            workloaddomain.WorkloadStatusSubmitted,
		Metadata:          toJSONMap(req.Metadata),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.workloads.Insert(ctx, s.db, workload); err != nil {
		return nil, err
	}

	if !known {
		s.audit.Enqueue(ctx, auditdomain.Entry{
			WorkloadID:    workload.ID,
			TenantID:      workload.TenantID,
			ServiceID:     workload.ServiceID,
			Action:        auditdomain.ActionClassDefaulted,
			PolicyVersion: policy.Version,
			Metadata: map[string]any{
				"requested_class": strings.TrimSpace(req.Class),
				"effective_class": string(class),
			},
		})
	}

	return s.evaluate(ctx, workload, tenant, policy, nil)
}

func (s *Service) Poll(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	workload, err := s.workloads.FindByID(ctx, s.db, workloadID)
	if err != nil {
		return nil, err
	}
	if workload == nil {
		return nil, workloaddomain.ErrWorkloadNotFound
	}
	if err := guard.CanFinalize(workload.Status); err != nil {
		return s.recordedOutcome(ctx, workload)
	}

	tenant, err := s.tenants.Resolve(ctx, workload.TenantID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, workload, tenant, s.holder.Current(), nil)
}

func (s *Service) Reevaluate(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	workload, err := s.workloads.FindByID(ctx, s.db, workloadID)
	if err != nil {
		return nil, err
	}
	if workload == nil {
		return nil, workloaddomain.ErrWorkloadNotFound
	}

	var prev *decisiondomain.SchedulingDecision
	switch workload.Status {
	case workloaddomain.WorkloadStatusSubmitted, workloaddomain.WorkloadStatusDeferred:
		// No decision to supersede yet; a re-evaluation is a plain pass.
	case workloaddomain.WorkloadStatusDecided:
		prev, err = s.repo.FindCurrent(ctx, s.db, workload.ID)
		if err != nil {
			return nil, err
		}
		if prev == nil {
			return nil, decisiondomain.ErrDecisionImmutable
		}
		if err := guard.CanReevaluate(workload.Status, prev.ScheduledAt, s.clock.Now().UTC()); err != nil {
			return nil, decisiondomain.ErrDecisionImmutable
		}
	default:
		return nil, workloaddomain.ErrWorkloadTerminal
	}

	tenant, err := s.tenants.Resolve(ctx, workload.TenantID)
	if err != nil {
		return nil, err
	}
	return s.evaluate(ctx, workload, tenant, s.holder.Current(), prev)
}

func (s *Service) Withdraw(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	workload, err := s.workloads.FindByID(ctx, s.db, workloadID)
	if err != nil {
		return nil, err
	}
	if workload == nil {
		return nil, workloaddomain.ErrWorkloadNotFound
	}
	if err := guard.CanWithdraw(workload.Status); err != nil {
		return nil, workloaddomain.ErrWorkloadTerminal
	}

	policy := s.holder.Current()
	now := s.clock.Now().UTC()
	decision := &decisiondomain.SchedulingDecision{
		ID:            s.genID.Generate(),
		WorkloadID:    workload.ID,
		TenantID:      workload.TenantID,
		ServiceID:     workload.ServiceID,
		ScheduledAt:   now,
		ReasonCode:    decisiondomain.ReasonWithdrawn,
		PolicyVersion: policy.Version,
		AuditID:       s.genID.Generate(),
		CreatedAt:     now,
	}

	from := workload.Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, decision); err != nil {
			return err
		}
		ok, err := s.workloads.Transition(ctx, tx, workload.ID, from, workloaddomain.WorkloadStatusWithdrawn, now)
		if err != nil {
			return err
		}
		if !ok {
			return errTransitionLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errTransitionLost) {
			// A concurrent pass finalized first; withdrawal is only valid
			// before that.
			return nil, workloaddomain.ErrWorkloadTerminal
		}
		return nil, err
	}

	s.audit.Enqueue(ctx, auditdomain.Entry{
		ID:            decision.AuditID,
		WorkloadID:    workload.ID,
		TenantID:      workload.TenantID,
		ServiceID:     workload.ServiceID,
		Action:        auditdomain.ActionWorkloadWithdrawn,
		DecisionID:    &decision.ID,
		ReasonCode:    decisiondomain.ReasonWithdrawn,
		PolicyVersion: policy.Version,
	})
	obsmetrics.Policy().IncDecision("withdrawn", string(workload.Class))
	if s.obs != nil {
		s.obs.RecordDecision(ctx, string(workload.Class), "withdrawn")
	}
	s.log.Info("workload withdrawn",
		zap.String("workload_id", workload.ID.String()),
		zap.String("tenant_id", workload.TenantID.String()),
	)

	return &decisiondomain.Outcome{
		WorkloadID: workload.ID,
		Status:     workloaddomain.WorkloadStatusWithdrawn,
		Class:      workload.Class,
		ReasonCode: decisiondomain.ReasonWithdrawn,
		Decision:   decision,
	}, nil
}

func (s *Service) Get(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.WorkloadView, error) {
	workload, err := s.workloads.FindByID(ctx, s.db, workloadID)
	if err != nil {
		return nil, err
	}
	if workload == nil {
		return nil, workloaddomain.ErrWorkloadNotFound
	}
	decision, err := s.repo.FindCurrent(ctx, s.db, workload.ID)
	if err != nil {
		return nil, err
	}
	return &decisiondomain.WorkloadView{Workload: workload, Decision: decision}, nil
}

// evaluate runs one placement pass against a single policy snapshot. prev
// is the decision being superseded; nil on first-pass evaluations. In
// superseding mode a pass that cannot place keeps the current decision
// instead of regressing a decided workload.
func (s *Service) evaluate(ctx context.Context, workload *workloaddomain.Workload, tenant *tenantdomain.Tenant, policy config.PolicyConfig, prev *decisiondomain.SchedulingDecision) (*decisiondomain.Outcome, error) {
	started := time.Now()
	now := s.clock.Now().UTC()
	classPolicy := workloaddomain.EffectivePolicy(workload.Class, policy)
	superseding := prev != nil

	regions, err := s.regions.ActiveRegions(ctx)
	if err != nil {
		return nil, err
	}
	if len(regions) == 0 {
		if superseding {
			return nil, residency.ErrResidencyConfigEmpty
		}
		return s.rejectResidency(ctx, workload, tenant, policy, residency.ErrResidencyConfigEmpty)
	}
	snap, err := s.regions.TakeSnapshot(ctx, regions)
	if err != nil {
		return nil, err
	}

	ranked := scoring.Rank(regions, snap, policy.Weights)
	var hint scoring.ScoredRegion
	hintRegion := ""
	if len(ranked) > 0 {
		hint = ranked[0]
		hintRegion = hint.RegionID
	}

	evaluation, err := residency.Evaluate(*tenant, regions, hintRegion, workload.RequestedRegion)
	if err == nil && len(evaluation.EffectiveAllowed) == 0 {
		err = residency.ErrResidencyConfigEmpty
	}
	if err != nil {
		if superseding {
			return nil, err
		}
		return s.rejectResidency(ctx, workload, tenant, policy, err)
	}

	eligible := scoring.EligibleSet(evaluation.EffectiveAllowed, snap, classPolicy)

	var chosen scoring.ScoredRegion
	escalated := false
	switch {
	case len(eligible) > 0:
		chosen = scoring.Rank(eligible, snap, policy.Weights)[0]
	case now.Before(workload.Deadline):
		if superseding {
			return s.recordedOutcome(ctx, workload)
		}
		return s.deferWorkload(ctx, workload, policy, evaluation, ranked, snap)
	default:
		chosen = scoring.Rank(evaluation.EffectiveAllowed, snap, policy.Weights)[0]
		escalated = true
	}

	scheduledAt := now
	switch {
	case workload.Class == workloaddomain.WorkloadClassUrgent:
		scheduledAt = workload.SubmittedAt
	case escalated:
		// Late placement still honors the promised bound.
		scheduledAt = workload.Deadline
	}
	reason := decisiondomain.ReasonScheduledImmediate
	switch {
	case escalated:
		reason = decisiondomain.ReasonDeadlineEscalated
	case workload.Status == workloaddomain.WorkloadStatusDeferred:
		reason = decisiondomain.ReasonScheduledCleanWindow
	}

	var penalty float64
	if evaluation.Overridden {
		penalty = (chosen.Intensity - hint.Intensity) * workload.EnergyEstimateKWh * gramsPerKg
		if penalty < 0 {
			penalty = 0
		}
	}

	estimateKg := chosen.Intensity * workload.EnergyEstimateKWh / gramsPerKg
	throttled := false
	if workload.Class == workloaddomain.WorkloadClassUrgent {
		if err := s.budgets.CommitBypass(ctx, workload.ServiceID, estimateKg, scheduledAt); err != nil {
			return nil, err
		}
	} else {
		reservation, err := s.budgets.CheckAndReserve(ctx, workload.ServiceID, estimateKg, now)
		if err != nil {
			return nil, err
		}
		switch {
		case !reservation.Allowed && workload.Class == workloaddomain.WorkloadClassDeferrable:
			if superseding {
				return nil, budgetdomain.ErrExceeded
			}
			return s.rejectBudget(ctx, workload, policy, reservation)
		case !reservation.Allowed:
			// standard rides through a block budget as advisory.
			if err := s.budgets.CommitBypass(ctx, workload.ServiceID, estimateKg, scheduledAt); err != nil {
				return nil, err
			}
		case reservation.Action == budgetdomain.ActionThrottle:
			throttled = true
			scheduledAt = workload.Deadline
			if err := s.budgets.CommitBypass(ctx, workload.ServiceID, estimateKg, scheduledAt); err != nil {
				return nil, err
			}
		}
	}
	if throttled && !escalated {
		reason = decisiondomain.ReasonScheduledCleanWindow
	}

	decision := &decisiondomain.SchedulingDecision{
		ID:                        s.genID.Generate(),
		WorkloadID:                workload.ID,
		TenantID:                  workload.TenantID,
		ServiceID:                 workload.ServiceID,
		ChosenRegion:              chosen.RegionID,
		ScheduledAt:               scheduledAt,
		CarbonIntensityAtSchedule: chosen.Intensity,
		ResidencyOverridden:       evaluation.Overridden,
		CO2PenaltyGrams:           penalty,
		DeadlineEscalated:         escalated,
		Degraded:                  chosen.Degraded,
		ReasonCode:                reason,
		PolicyVersion:             policy.Version,
		AuditID:                   s.genID.Generate(),
		CreatedAt:                 now,
	}

	from := workload.Status
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if superseding {
			ok, err := s.repo.Supersede(ctx, tx, prev.ID)
			if err != nil {
				return err
			}
			if !ok {
				return errTransitionLost
			}
		}
		if err := s.repo.Insert(ctx, tx, decision); err != nil {
			return err
		}
		if from == workloaddomain.WorkloadStatusDecided {
			return s.workloads.TouchLastEvaluated(ctx, tx, workload.ID, now)
		}
		ok, err := s.workloads.Transition(ctx, tx, workload.ID, from, workloaddomain.WorkloadStatusDecided, now)
		if err != nil {
			return err
		}
		if !ok {
			return errTransitionLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errTransitionLost) {
			return s.replay(ctx, workload.ID)
		}
		return nil, err
	}

	if escalated {
		s.recordAlert(ctx, alertdomain.RecordRequest{
			Type:       string(alertdomain.AlertTypeDeadlineEscalation),
			Severity:   string(alertdomain.SeverityWarning),
			ServiceID:  workload.ServiceID,
			TenantID:   &workload.TenantID,
			WorkloadID: &workload.ID,
			RegionID:   chosen.RegionID,
			Message:    "deadline reached before a clean window opened",
			Payload: map[string]any{
				"class":        string(workload.Class),
				"deadline":     workload.Deadline,
				"scheduled_at": scheduledAt,
				"intensity":    chosen.Intensity,
			},
		})
	}
	if evaluation.Violation {
		s.recordAlert(ctx, alertdomain.RecordRequest{
			Type:       string(alertdomain.AlertTypeResidencyViolation),
			Severity:   string(alertdomain.SeverityInfo),
			ServiceID:  workload.ServiceID,
			TenantID:   &workload.TenantID,
			WorkloadID: &workload.ID,
			RegionID:   chosen.RegionID,
			Message:    "advisory residency override",
			Payload: map[string]any{
				"hint_region":       hintRegion,
				"chosen_region":     chosen.RegionID,
				"co2_penalty_grams": penalty,
			},
		})
	}

	s.audit.Enqueue(ctx, auditdomain.Entry{
		ID:             decision.AuditID,
		WorkloadID:     workload.ID,
		TenantID:       workload.TenantID,
		ServiceID:      workload.ServiceID,
		Action:         auditdomain.ActionDecisionScheduled,
		DecisionID:     &decision.ID,
		ChosenRegion:   chosen.RegionID,
		ReasonCode:     reason,
		PolicyVersion:  policy.Version,
		Degraded:       decision.Degraded,
		AllowedRegions: regionIDs(evaluation.EffectiveAllowed),
		ScoreInputs:    newScoreInputs(policy.Weights, hint, ranked, snap),
		Metadata: map[string]any{
			"scheduled_at":       scheduledAt,
			"escalated":          escalated,
			"throttled":          throttled,
			"overridden":         evaluation.Overridden,
			"requested_allowed":  evaluation.RequestedAllowed,
			"estimate_kg_co2e":   estimateKg,
			"co2_penalty_grams":  penalty,
			"intensity_gco2_kwh": chosen.Intensity,
		},
	})
	if superseding {
		s.audit.Enqueue(ctx, auditdomain.Entry{
			WorkloadID:    workload.ID,
			TenantID:      workload.TenantID,
			ServiceID:     workload.ServiceID,
			Action:        auditdomain.ActionDecisionSuperseded,
			DecisionID:    &prev.ID,
			ChosenRegion:  prev.ChosenRegion,
			ReasonCode:    prev.ReasonCode,
			PolicyVersion: policy.Version,
			Metadata: map[string]any{
				"superseded_by": decision.ID.String(),
			},
		})
	}

	policyMetrics := obsmetrics.Policy()
	policyMetrics.IncDecision("scheduled", string(workload.Class))
	policyMetrics.ObserveDecisionDuration(time.Since(started))
	if evaluation.Overridden {
		policyMetrics.IncResidencyOverride(string(tenant.EnforcementMode))
	}
	if penalty > 0 {
		policyMetrics.AddCO2Penalty(penalty)
	}
	if s.obs != nil {
		s.obs.RecordDecision(ctx, string(workload.Class), "scheduled")
	}

	s.log.Info("workload scheduled",
		zap.String("workload_id", workload.ID.String()),
		zap.String("tenant_id", workload.TenantID.String()),
		zap.String("region", chosen.RegionID),
		zap.String("reason", reason),
		zap.Time("scheduled_at", scheduledAt),
		zap.Float64("intensity_gco2_kwh", chosen.Intensity),
		zap.Bool("escalated", escalated),
		zap.Bool("overridden", evaluation.Overridden),
	)

	return &decisiondomain.Outcome{
		WorkloadID: workload.ID,
		Status:     workloaddomain.WorkloadStatusDecided,
		Class:      workload.Class,
		ReasonCode: reason,
		Decision:   decision,
	}, nil
}

// deferWorkload parks the workload until a cleaner window or its deadline,
// whichever comes first.
func (s *Service) deferWorkload(ctx context.Context, workload *workloaddomain.Workload, policy config.PolicyConfig, evaluation residency.Evaluation, ranked []scoring.ScoredRegion, snap *regiondomain.Snapshot) (*decisiondomain.Outcome, error) {
	now := s.clock.Now().UTC()
	if workload.Status == workloaddomain.WorkloadStatusSubmitted {
		ok, err := s.workloads.Transition(ctx, s.db, workload.ID, workloaddomain.WorkloadStatusSubmitted, workloaddomain.WorkloadStatusDeferred, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.replay(ctx, workload.ID)
		}
	} else if err := s.workloads.TouchLastEvaluated(ctx, s.db, workload.ID, now); err != nil {
		return nil, err
	}

	s.audit.Enqueue(ctx, auditdomain.Entry{
		WorkloadID:     workload.ID,
		TenantID:       workload.TenantID,
		ServiceID:      workload.ServiceID,
		Action:         auditdomain.ActionDecisionDeferred,
		PolicyVersion:  policy.Version,
		AllowedRegions: regionIDs(evaluation.EffectiveAllowed),
		ScoreInputs:    newScoreInputs(policy.Weights, scoring.ScoredRegion{}, ranked, snap),
		Metadata: map[string]any{
			"deadline":    workload.Deadline,
			"retry_after": defaultRetryAfter.String(),
		},
	})
	obsmetrics.Policy().IncDecision("deferred", string(workload.Class))
	if s.obs != nil {
		s.obs.RecordDecision(ctx, string(workload.Class), "deferred")
	}
	s.log.Info("workload deferred",
		zap.String("workload_id", workload.ID.String()),
		zap.String("tenant_id", workload.TenantID.String()),
		zap.Time("deadline", workload.Deadline),
	)

	return &decisiondomain.Outcome{
		WorkloadID: workload.ID,
		Status:     workloaddomain.WorkloadStatusDeferred,
		Class:      workload.Class,
		RetryAfter: defaultRetryAfter,
	}, nil
}

func (s *Service) rejectResidency(ctx context.Context, workload *workloaddomain.Workload, tenant *tenantdomain.Tenant, policy config.PolicyConfig, cause error) (*decisiondomain.Outcome, error) {
	outcome, err := s.reject(ctx, workload, policy, decisiondomain.ReasonRejectedResidencyConfig, cause, nil)
	var rejection *decisiondomain.RejectionError
	if err != nil && !errors.As(err, &rejection) {
		return nil, err
	}
	if rejection != nil {
		s.recordAlert(ctx, alertdomain.RecordRequest{
			Type:       string(alertdomain.AlertTypeResidencyViolation),
			Severity:   string(alertdomain.SeverityCritical),
			ServiceID:  workload.ServiceID,
			TenantID:   &workload.TenantID,
			WorkloadID: &workload.ID,
			Message:    "residency configuration leaves no usable region",
			Payload: map[string]any{
				"residency_class":  string(tenant.ResidencyClass),
				"enforcement_mode": string(tenant.EnforcementMode),
			},
		})
	}
	return outcome, err
}

func (s *Service) rejectBudget(ctx context.Context, workload *workloaddomain.Workload, policy config.PolicyConfig, reservation budgetdomain.Reservation) (*decisiondomain.Outcome, error) {
	metadata := map[string]any{}
	if reservation.Budget != nil {
		metadata["limit_kg_co2e"] = reservation.Budget.LimitKgCO2e
		metadata["consumed_kg_co2e"] = reservation.Budget.ConsumedKgCO2e
		metadata["period_start"] = reservation.Budget.PeriodStart
	}
	outcome, err := s.reject(ctx, workload, policy, decisiondomain.ReasonRejectedBudgetBlock, budgetdomain.ErrExceeded, metadata)
	var rejection *decisiondomain.RejectionError
	if err != nil && !errors.As(err, &rejection) {
		return nil, err
	}
	if rejection != nil {
		s.audit.Enqueue(ctx, auditdomain.Entry{
			WorkloadID:    workload.ID,
			TenantID:      workload.TenantID,
			ServiceID:     workload.ServiceID,
			Action:        auditdomain.ActionBudgetBlocked,
			ReasonCode:    decisiondomain.ReasonRejectedBudgetBlock,
			PolicyVersion: policy.Version,
			Metadata:      metadata,
		})
	}
	return outcome, err
}

// reject stamps a terminal rejection row and returns the outcome wrapped in
// a RejectionError carrying cause. Losing the transition race replays the
// recorded outcome instead.
func (s *Service) reject(ctx context.Context, workload *workloaddomain.Workload, policy config.PolicyConfig, reason string, cause error, metadata map[string]any) (*decisiondomain.Outcome, error) {
	now := s.clock.Now().UTC()
	decision := &decisiondomain.SchedulingDecision{
		ID:            s.genID.Generate(),
		WorkloadID:    workload.ID,
		TenantID:      workload.TenantID,
		ServiceID:     workload.ServiceID,
		ScheduledAt:   now,
		ReasonCode:    reason,
		PolicyVersion: policy.Version,
		AuditID:       s.genID.Generate(),
		CreatedAt:     now,
	}

	from := workload.Status
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, decision); err != nil {
			return err
		}
		ok, err := s.workloads.Transition(ctx, tx, workload.ID, from, workloaddomain.WorkloadStatusRejected, now)
		if err != nil {
			return err
		}
		if !ok {
			return errTransitionLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errTransitionLost) {
			return s.replay(ctx, workload.ID)
		}
		return nil, err
	}

	s.audit.Enqueue(ctx, auditdomain.Entry{
		ID:            decision.AuditID,
		WorkloadID:    workload.ID,
		TenantID:      workload.TenantID,
		ServiceID:     workload.ServiceID,
		Action:        auditdomain.ActionDecisionRejected,
		DecisionID:    &decision.ID,
		ReasonCode:    reason,
		PolicyVersion: policy.Version,
		Metadata:      metadata,
	})
	obsmetrics.Policy().IncDecision("rejected", string(workload.Class))
	if s.obs != nil {
		s.obs.RecordDecision(ctx, string(workload.Class), "rejected")
	}
	s.log.Warn("workload rejected",
		zap.String("workload_id", workload.ID.String()),
		zap.String("tenant_id", workload.TenantID.String()),
		zap.String("reason", reason),
		zap.Error(cause),
	)

	outcome := &decisiondomain.Outcome{
		WorkloadID: workload.ID,
		Status:     workloaddomain.WorkloadStatusRejected,
		Class:      workload.Class,
		ReasonCode: reason,
		Decision:   decision,
	}
	return outcome, &decisiondomain.RejectionError{Outcome: outcome, Cause: cause}
}

// replay re-reads after a lost race and returns the outcome the winner
// recorded.
func (s *Service) replay(ctx context.Context, workloadID snowflake.ID) (*decisiondomain.Outcome, error) {
	workload, err := s.workloads.FindByID(ctx, s.db, workloadID)
	if err != nil {
		return nil, err
	}
	if workload == nil {
		return nil, workloaddomain.ErrWorkloadNotFound
	}
	return s.recordedOutcome(ctx, workload)
}

func (s *Service) recordedOutcome(ctx context.Context, workload *workloaddomain.Workload) (*decisiondomain.Outcome, error) {
	outcome := &decisiondomain.Outcome{
		WorkloadID: workload.ID,
		Status:     workload.Status,
		Class:      workload.Class,
	}
	if !workload.Status.IsTerminal() {
		outcome.RetryAfter = defaultRetryAfter
		return outcome, nil
	}

	decision, err := s.repo.FindCurrent(ctx, s.db, workload.ID)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		outcome.ReasonCode = decision.ReasonCode
		outcome.Decision = decision
	} else if workload.Status == workloaddomain.WorkloadStatusWithdrawn {
		outcome.ReasonCode = decisiondomain.ReasonWithdrawn
	}
	return outcome, nil
}

// recordAlert never fails the pass; alert persistence is best effort.
func (s *Service) recordAlert(ctx context.Context, req alertdomain.RecordRequest) {
	if _, err := s.alerts.Record(ctx, req); err != nil {
		s.log.Warn("recording alert failed",
			zap.String("type", req.Type),
			zap.Error(err),
		)
	}
}

// scoreInputs is the reproducibility payload stored on audit records.
type scoreInputs struct {
	Weights         config.Weights         `json:"weights"`
	Hint            *scoring.ScoredRegion  `json:"hint,omitempty"`
	Ranked          []scoring.ScoredRegion `json:"ranked"`
	SnapshotTakenAt *time.Time             `json:"snapshot_taken_at,omitempty"`
}

func newScoreInputs(weights config.Weights, hint scoring.ScoredRegion, ranked []scoring.ScoredRegion, snap *regiondomain.Snapshot) scoreInputs {
	inputs := scoreInputs{Weights: weights, Ranked: ranked}
	if hint.RegionID != "" {
		inputs.Hint = &hint
	}
	if snap != nil {
		takenAt := snap.TakenAt
		inputs.SnapshotTakenAt = &takenAt
	}
	return inputs
}

func regionIDs(regions []regiondomain.Region) []string {
	ids := make([]string, 0, len(regions))
	for _, region := range regions {
		ids = append(ids, region.ID)
	}
	return ids
}

func toJSONMap(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for key, value := range in {
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}
