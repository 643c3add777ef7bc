package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertCovers(t *testing.T, plan []PageRange, pages int) {
	t.Helper()
	require.NotEmpty(t, plan)
	next := 1
	for _, r := range plan {
		assert.Equal(t, next, r.From, "ranges must be contiguous")
		assert.GreaterOrEqual(t, r.To, r.From)
		next = r.To + 1
	}
	assert.Equal(t, pages+1, next, "ranges must end at the last page")
}

func TestPlanSplitsPageBound(t *testing.T) {
	const pages = 2000
	size := int64(80 * MB)
	safe := int64(48 * MB)

	plan := PlanSplits(pages, size, safe, 1000)

	assertCovers(t, plan, pages)
	require.Len(t, plan, 2)
	assert.Equal(t, PageRange{From: 1, To: 1000}, plan[0])
	assert.Equal(t, PageRange{From: 1001, To: 2000}, plan[1])

	for _, r := range plan {
		assert.LessOrEqual(t, r.Pages(), 1000)
		assert.LessOrEqual(t, int64(r.Pages())*size, safe*pages, "split exceeds the byte ceiling")
	}
}

func TestPlanSplitsByteBound(t *testing.T) {
	const pages = 1000
	size := int64(200 * MB)
	safe := int64(48 * MB)

	plan := PlanSplits(pages, size, safe, 1000)

	assertCovers(t, plan, pages)
	require.Len(t, plan, 5)
	assert.Equal(t, PageRange{From: 1, To: 240}, plan[0])
	assert.Equal(t, PageRange{From: 961, To: 1000}, plan[4])

	for _, r := range plan {
		assert.LessOrEqual(t, int64(r.Pages())*size, safe*pages, "split exceeds the byte ceiling")
	}
}

func TestPlanSplitsHugePagesStillProgress(t *testing.T) {
	plan := PlanSplits(3, 300*MB, 48*MB, 1000)
	assertCovers(t, plan, 3)
	assert.Len(t, plan, 3)
}

func TestPlanSplitsEdgeCases(t *testing.T) {
	assert.Nil(t, PlanSplits(0, 10, 10, 10))

	plan := PlanSplits(7, 0, 48*MB, 3)
	assertCovers(t, plan, 7)
	assert.Equal(t, []PageRange{{1, 3}, {4, 6}, {7, 7}}, plan)
}

func TestPDFLimits(t *testing.T) {
	l := DefaultPDFLimits
	assert.False(t, l.NeedsSplit(1000, 50*MB))
	assert.True(t, l.NeedsSplit(1001, MB))
	assert.True(t, l.NeedsSplit(10, 50*MB+1))
	assert.Equal(t, int64(45*MB), l.SafeBytes())
	assert.Equal(t, "1001-2000", PageRange{From: 1001, To: 2000}.Selector())
}
