package limbo

import "time"

// Params supplies the dynamically reconfigurable values the limbo's
// protocol reads at each decision point (spec.md §4.13): quorum size and
// confirm timeout. Values are read fresh on every evaluation rather than
// cached, so a concurrent OnParametersChange takes effect immediately.
// config.Dynamic and config.Static both implement Params.
type Params interface {
	// Quorum returns the number of replica acknowledgements (including
	// the owner's own, once locally WAL-confirmed) required for commit.
	Quorum() int
	// ConfirmTimeout returns how long wait_complete parks before
	// initiating a rollback.
	ConfirmTimeout() time.Duration
}
