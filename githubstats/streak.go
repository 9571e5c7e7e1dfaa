package githubstats

import (
	"sort"
	"time"
)

const dayFormat = "2006-01-02"

// Streaks holds derived contribution streak lengths, counted in days.
type Streaks struct {
	Current int `json:"currentStreak"`
	Longest int `json:"longestStreak"`
}

// ComputeStreaks derives the current and longest contribution streaks from a
// day-indexed contribution series (ISO date -> count).
//
// The current streak walks backward from today's calendar date, counting
// strictly consecutive active days; today itself must be active for the
// streak to be non-zero. The longest streak is a single linear scan over the
// sorted active days, chaining on exact one-day gaps.
//
// Pure function: same input and clock always yield the same output.
// Complexity: O(n log n) in the number of active days (sort-dominated).
func ComputeStreaks(days map[string]int, now time.Time) Streaks {
	active := make(map[string]bool, len(days))
	dates := make([]time.Time, 0, len(days))
	for day, count := range days {
		if count <= 0 {
			continue
		}
		d, err := time.ParseInLocation(dayFormat, day, time.UTC)
		if err != nil {
			continue // malformed day, skip
		}
		active[day] = true
		dates = append(dates, d)
	}

	if len(dates) == 0 {
		return Streaks{}
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var s Streaks

	// Current streak: today, today-1, ... until the first inactive day.
	for d := now; active[d.Format(dayFormat)]; d = d.AddDate(0, 0, -1) {
		s.Current++
	}

	// Longest streak: chain runs of exactly-consecutive days.
	run := 1
	s.Longest = 1
	for i := 1; i < len(dates); i++ {
		if dates[i].Sub(dates[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > s.Longest {
			s.Longest = run
		}
	}

	return s
}
