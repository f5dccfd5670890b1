package limbo

import "github.com/pkg/errors"

// Error kinds the limbo's protocol surfaces to callers (spec.md §7).
// Monotonicity violations, owner mismatches, and other programming errors
// are not in this list: they are fatal assertions (panics), not errors.
var (
	// ErrInRollback is returned by Append when the limbo is actively
	// rolling back a suffix of its queue. The caller must abort the
	// transaction immediately — this is the cascading-rollback rule
	// (spec.md §4.3, §7).
	ErrInRollback = errors.New("limbo: cascading rollback in progress, append rejected")

	// ErrShutdown is returned to any caller — parked or not — once the
	// limbo has been closed. It is the limbo's rendering of "shutdown
	// treated as cancellation" (spec.md §5, §7).
	ErrShutdown = errors.New("limbo: shut down")

	// ErrWaitConfirmAllFailed is returned by WaitConfirmAll when the
	// queue did not drain, or a rollback occurred during the wait
	// window (spec.md §4.9).
	ErrWaitConfirmAllFailed = errors.New("limbo: wait_confirm_all did not observe an empty, rollback-free queue")
)
