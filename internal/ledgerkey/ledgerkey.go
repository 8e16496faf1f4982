// Package ledgerkey builds the deterministic string identifiers that name
// one window of a counter: a given (tenant, scope, period) resolves to the
// same key for every request observed inside that window, so concurrent
// requests increment the same Redis/DB row.
package ledgerkey

import (
	"errors"
	"fmt"
	"time"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

// ErrCustomWindowRequired is returned when Period is custom but no window
// bounds were supplied.
var ErrCustomWindowRequired = errors.New("ledgerkey: custom period requires a window")

// Window bounds a domain.PeriodCustom counter. Both ends are required and
// Start must precede End.
type Window struct {
	Start time.Time
	End   time.Time
}

// For returns the ledger key for (period, atTime), using window for a
// custom period. It takes no tenant or scope: callers compose the full
// cache key themselves via the families in spec §6, adding the tenant and
// scope ("" for the tenant-total scope, a tag id for a tag counter, a
// session id for a session counter); this function returns only the
// "ledger-key" component of that composition.
//
// Day-boundary transitions use UTC midnight. A request observing a rollover
// mid-flight is keyed by atTime as given — callers must capture atTime once
// at the start of a resolution, never recompute it mid-pipeline, so that no
// retroactive rebalancing occurs.
func For(period domain.Period, atTime time.Time, window *Window) (string, error) {
	at := atTime.UTC()
	switch period {
	case domain.PeriodDaily:
		return at.Format("2006-01-02"), nil
	case domain.PeriodMonthly:
		return at.Format("2006-01"), nil
	case domain.PeriodCustom:
		if window == nil || window.Start.IsZero() || window.End.IsZero() {
			return "", ErrCustomWindowRequired
		}
		if !window.Start.Before(window.End) {
			return "", fmt.Errorf("ledgerkey: custom window start %s must precede end %s", window.Start, window.End)
		}
		return fmt.Sprintf("%s_%s", window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339)), nil
	default:
		return "", fmt.Errorf("ledgerkey: unknown period %q", period)
	}
}

// DayBucket returns the YYYY-MM-DD UTC day bucket used by tag-usage
// counters regardless of the counter's own period, per spec §6's
// `tag_usage:<name>:<tag_id>:<period>:<YYYY-MM-DD>` family.
func DayBucket(atTime time.Time) string {
	return atTime.UTC().Format("2006-01-02")
}

// EpochMinute returns the rate-limiter's fixed window bucket: the number of
// whole minutes since the Unix epoch, truncating atTime to the start of its
// minute.
func EpochMinute(atTime time.Time) int64 {
	return atTime.UTC().Truncate(time.Minute).Unix() / 60
}
