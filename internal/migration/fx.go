package migration

import (
	"strings"

	"github.com/smallbiznis/metergate/internal/config"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	trackerdomain "github.com/smallbiznis/metergate/internal/tracker/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL runs on postgres; the other dialects are dev and
		// test targets where AutoMigrate keeps the schema current.
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		return conn.AutoMigrate(
			&ruledomain.Rule{},
			&trackerdomain.UsageTracker{},
			&creditdomain.CreditBatch{},
			&eventdomain.UsageEvent{},
		)
	}),
)
