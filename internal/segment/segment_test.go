package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tkhasanov/newsletter-engine/internal/errs"
	"github.com/tkhasanov/newsletter-engine/internal/model"
)

func members(statuses ...model.MemberStatus) []model.Member {
	out := make([]model.Member, len(statuses))
	for i, s := range statuses {
		out[i] = model.Member{ID: string(rune('a' + i)), Status: s}
	}
	return out
}

func TestPartitionLeftoverGoesUnsegmented(t *testing.T) {
	rows := members(model.MemberFree, model.MemberFree, model.MemberPaid, model.MemberPaid)

	buckets, err := Partition(rows, []string{"status:free"})
	require.NoError(t, err)

	require.Len(t, buckets["status:free"], 2)
	require.Len(t, buckets[Unsegmented], 2)
	for _, m := range buckets["status:free"] {
		require.Equal(t, model.MemberFree, m.Status)
	}
	for _, m := range buckets[Unsegmented] {
		require.Equal(t, model.MemberPaid, m.Status)
	}
}

func TestPartitionCoveringSegmentsOmitUnsegmented(t *testing.T) {
	rows := members(model.MemberFree, model.MemberPaid, model.MemberComped)

	buckets, err := Partition(rows, []string{"status:free", "status:-free"})
	require.NoError(t, err)

	require.Len(t, buckets["status:free"], 1)
	require.Len(t, buckets["status:-free"], 2)
	_, ok := buckets[Unsegmented]
	require.False(t, ok, "covering segments must not leave an unsegmented bucket")
}

func TestPartitionMutualExclusivity(t *testing.T) {
	rows := members(model.MemberFree, model.MemberPaid)

	// Both labels, reversed order: status:-free consumes paid first, then
	// status:free gets the free member. No row appears twice.
	buckets, err := Partition(rows, []string{"status:-free", "status:free"})
	require.NoError(t, err)

	total := 0
	seen := map[string]bool{}
	for _, b := range buckets {
		for _, m := range b {
			require.False(t, seen[m.ID], "member %s assigned twice", m.ID)
			seen[m.ID] = true
			total++
		}
	}
	require.Equal(t, len(rows), total)
}

func TestPartitionUnknownSegment(t *testing.T) {
	rows := members(model.MemberFree)

	_, err := Partition(rows, []string{"status:gold"})
	require.Error(t, err)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)

	// Unknown labels reject regardless of row contents.
	_, err = Partition(nil, []string{"status:gold"})
	require.Error(t, err)
}
