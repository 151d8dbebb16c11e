package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	alertdomain "github.com/smallbiznis/verdant/internal/alert/domain"
	apikeydomain "github.com/smallbiznis/verdant/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/verdant/internal/audit/domain"
	budgetdomain "github.com/smallbiznis/verdant/internal/budget/domain"
	"github.com/smallbiznis/verdant/internal/config"
	decisiondomain "github.com/smallbiznis/verdant/internal/decision/domain"
	regiondomain "github.com/smallbiznis/verdant/internal/region/domain"
	"github.com/smallbiznis/verdant/internal/seed"
	tenantdomain "github.com/smallbiznis/verdant/internal/tenant/domain"
	workloaddomain "github.com/smallbiznis/verdant/internal/workload/domain"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// Non-postgres dialects are the dev/test path; gorm owns the
			// schema there.
			if err := conn.AutoMigrate(
				&regiondomain.Region{},
				&regiondomain.CarbonSample{},
				&tenantdomain.Tenant{},
				&workloaddomain.Workload{},
				&decisiondomain.SchedulingDecision{},
				&budgetdomain.CarbonBudget{},
				&auditdomain.AuditRecord{},
				&alertdomain.AlertEvent{},
				&apikeydomain.APIKey{},
			); err != nil {
				return err
			}
		}

		if cfg.SeedDemo {
			return seed.EnsureDefaults(conn)
		}
		return nil
	}),
)
