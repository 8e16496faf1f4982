package tags

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgatewayd/llmgatewayd/internal/domain"
)

func ptr(i int64) *int64 { return &i }

func TestArena_PathFromRoot(t *testing.T) {
	rows := []domain.Tag{
		{ID: 1, Name: "eng"},
		{ID: 2, Name: "platform", ParentID: ptr(1)},
		{ID: 3, Name: "billing", ParentID: ptr(2)},
	}
	a, err := NewArena(rows)
	require.NoError(t, err)

	path, err := a.Path(3)
	require.NoError(t, err)
	assert.Equal(t, "eng.platform.billing", path)
}

func TestArena_DanglingParent(t *testing.T) {
	rows := []domain.Tag{{ID: 1, Name: "orphan", ParentID: ptr(99)}}
	_, err := NewArena(rows)
	assert.ErrorIs(t, err, ErrDanglingParent)
}

func TestArena_AncestorsWithInheritance_StrictAndLenient(t *testing.T) {
	rows := []domain.Tag{
		{ID: 1, Name: "root"},
		{ID: 2, Name: "mid", ParentID: ptr(1)},
		{ID: 3, Name: "leaf", ParentID: ptr(2)},
	}
	a, err := NewArena(rows)
	require.NoError(t, err)

	budgets := map[int64]domain.TagBudget{
		1: {TagID: 1, InheritanceMode: domain.InheritanceStrict},
		2: {TagID: 2, InheritanceMode: domain.InheritanceNone},
	}
	ancestors, err := a.AncestorsWithInheritance(3, func(id int64) (domain.TagBudget, bool) {
		tb, ok := budgets[id]
		return tb, ok
	})
	require.NoError(t, err)
	require.Len(t, ancestors, 1)
	assert.Equal(t, int64(1), ancestors[0].Tag.ID)
}

func TestArena_WalkTooDeep(t *testing.T) {
	rows := make([]domain.Tag, 0, MaxWalkDepth+5)
	rows = append(rows, domain.Tag{ID: 1, Name: "n0"})
	for i := int64(2); i <= int64(MaxWalkDepth)+5; i++ {
		rows = append(rows, domain.Tag{ID: i, Name: "n", ParentID: ptr(i - 1)})
	}
	a, err := NewArena(rows)
	require.NoError(t, err)

	_, err = a.Path(int64(MaxWalkDepth) + 5)
	assert.ErrorIs(t, err, ErrWalkTooDeep)
}
