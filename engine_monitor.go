package authkeep

import (
	"context"
	"fmt"

	"github.com/authkeep/authkeep/monitor"
)

// SecurityAlerts scans the recent login-attempt history for suspicious
// patterns: repeated failures against one account, one address spraying
// many accounts, and one account attacked from many addresses. The scan
// reads history only; it never mutates lockout or session state.
func (e *Engine) SecurityAlerts(ctx context.Context) ([]monitor.Alert, error) {
	alerts, err := e.monitor.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return alerts, nil
}
