package carbonreport

import (
	"go.uber.org/fx"
)

// Module wires the report pusher. The reporter is nil when no sink is
// configured; the poller skips its job in that case.
var Module = fx.Module("carbonreport",
	fx.Provide(NewPusher),
	fx.Provide(NewReporter),
)
