package chunker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitPageRangesWholeDocument(t *testing.T) {
	ranges, err := splitPageRanges(12, 0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []pageRange{
		{Start: 1, End: 5},
		{Start: 6, End: 10},
		{Start: 11, End: 12}, // 末尾分块不足 5 页
	}, ranges)
}

func TestSplitPageRangesExactMultiple(t *testing.T) {
	ranges, err := splitPageRanges(10, 0, 0, 5)
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	require.Equal(t, pageRange{Start: 6, End: 10}, ranges[1])
}

func TestSplitPageRangesSubRange(t *testing.T) {
	ranges, err := splitPageRanges(30, 8, 14, 5)
	require.NoError(t, err)
	require.Equal(t, []pageRange{
		{Start: 8, End: 12},
		{Start: 13, End: 14},
	}, ranges)
}

func TestSplitPageRangesSinglePage(t *testing.T) {
	ranges, err := splitPageRanges(1, 0, 0, 5)
	require.NoError(t, err)
	require.Equal(t, []pageRange{{Start: 1, End: 1}}, ranges)
}

func TestSplitPageRangesRejectsInvalidBounds(t *testing.T) {
	cases := []struct {
		name       string
		start, end int
	}{
		{"终点超过总页数", 1, 13},
		{"起点为负数", -1, 5},
		{"起点大于终点", 9, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := splitPageRanges(12, tc.start, tc.end, 5)
			require.Error(t, err)
		})
	}
}
