package workflow

import "strings"

const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusPartial = "PARTIAL"
	RunStatusFailed  = "FAILED"
)

const (
	RunEventCompleted = "import_completed"
	RunEventPartial   = "import_partial"
	RunEventFailed    = "import_failed"
)

var runTransitions = map[string]map[string]string{
	RunStatusRunning: {
		RunStatusSuccess: RunEventCompleted,
		RunStatusPartial: RunEventPartial,
		RunStatusFailed:  RunEventFailed,
	},
}

func NormalizeRunStatus(status string) string {
	return strings.ToUpper(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeRunStatus(fromStatus)
	toStatus = NormalizeRunStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := runTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeRunStatus(fromStatus)
	toStatus = NormalizeRunStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := runTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(status string) bool {
	switch NormalizeRunStatus(status) {
	case RunStatusSuccess, RunStatusPartial, RunStatusFailed:
		return true
	}
	return false
}

// DeriveStatus applies the run outcome rule shared by single imports and
// auto-import cycles: no errors is SUCCESS, errors with some records
// imported or skipped is PARTIAL, anything else is FAILED.
func DeriveStatus(errorCount int, imported int, skipped int) string {
	if errorCount == 0 {
		return RunStatusSuccess
	}
	if imported > 0 || skipped > 0 {
		return RunStatusPartial
	}
	return RunStatusFailed
}

// CombineStatuses folds per-site outcomes into one cycle status.
func CombineStatuses(statuses []string) string {
	if len(statuses) == 0 {
		return RunStatusSuccess
	}
	failed := 0
	degraded := false
	for _, s := range statuses {
		switch NormalizeRunStatus(s) {
		case RunStatusFailed:
			failed++
		case RunStatusPartial:
			degraded = true
		}
	}
	switch {
	case failed == len(statuses):
		return RunStatusFailed
	case failed > 0 || degraded:
		return RunStatusPartial
	default:
		return RunStatusSuccess
	}
}

func AllRunStatuses() []string {
	return []string{
		RunStatusRunning,
		RunStatusSuccess,
		RunStatusPartial,
		RunStatusFailed,
	}
}
