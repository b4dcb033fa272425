package vote

import "livepoll/pkg/types"

// BuildTally lays out counts in poll option order. Options without votes get
// a zero row.
func BuildTally(poll *types.Poll, counts map[string]int) *types.Tally {
	total := 0
	for _, opt := range poll.Options {
		total += counts[opt.ID]
	}

	results := make([]types.OptionResult, 0, len(poll.Options))
	for _, opt := range poll.Options {
		count := counts[opt.ID]
		results = append(results, types.OptionResult{
			OptionID:   opt.ID,
			OptionText: opt.Text,
			Count:      count,
			Percentage: Percentage(count, total),
		})
	}

	return &types.Tally{
		PollID:     poll.ID,
		TotalVotes: total,
		Results:    results,
	}
}

// Percentage is round-half-up of 100*count/total, or 0 when total is 0.
// Rows are rounded independently and may not sum to 100.
func Percentage(count, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*count + total) / (2 * total)
}
