package ledgerkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

func TestFor_Daily(t *testing.T) {
	at := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)
	key, err := For(domain.PeriodDaily, at, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-05", key)
}

func TestFor_Monthly(t *testing.T) {
	at := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	key, err := For(domain.PeriodMonthly, at, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03", key)
}

func TestFor_DayBoundaryNoRetroactiveRebalancing(t *testing.T) {
	before := time.Date(2026, 3, 5, 23, 59, 59, 0, time.UTC)
	after := time.Date(2026, 3, 6, 0, 0, 1, 0, time.UTC)

	k1, err := For(domain.PeriodDaily, before, nil)
	require.NoError(t, err)
	k2, err := For(domain.PeriodDaily, after, nil)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "2026-03-05", k1)
	assert.Equal(t, "2026-03-06", k2)
}

func TestFor_CustomRequiresWindow(t *testing.T) {
	_, err := For(domain.PeriodCustom, time.Now(), nil)
	assert.ErrorIs(t, err, ErrCustomWindowRequired)
}

func TestFor_CustomWindowOrdering(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := For(domain.PeriodCustom, start, &Window{Start: start, End: end})
	assert.Error(t, err)
}

func TestFor_CustomWindowEncodesBothDates(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	key, err := For(domain.PeriodCustom, start, &Window{Start: start, End: end})
	require.NoError(t, err)
	assert.Contains(t, key, "2026-01-01")
	assert.Contains(t, key, "2026-02-01")
}

func TestDayBucket(t *testing.T) {
	at := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-07-29", DayBucket(at))
}

func TestEpochMinute_SameMinuteSameBucket(t *testing.T) {
	a := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	b := time.Date(2026, 7, 29, 12, 0, 59, 0, time.UTC)
	assert.Equal(t, EpochMinute(a), EpochMinute(b))

	c := time.Date(2026, 7, 29, 12, 1, 0, 0, time.UTC)
	assert.NotEqual(t, EpochMinute(a), EpochMinute(c))
}
