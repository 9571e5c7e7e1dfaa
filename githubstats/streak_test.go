package githubstats

import (
	"testing"
	"time"
)

// A fixed "today" keeps streak tests deterministic.
var streakNow = time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

func day(offset int) string {
	return streakNow.AddDate(0, 0, offset).Format(dayFormat)
}

func TestComputeStreaksEmpty(t *testing.T) {
	s := ComputeStreaks(map[string]int{}, streakNow)
	if s.Current != 0 || s.Longest != 0 {
		t.Errorf("empty series: got %+v, want {0 0}", s)
	}
}

func TestComputeStreaksSingleDayToday(t *testing.T) {
	s := ComputeStreaks(map[string]int{day(0): 5}, streakNow)
	if s.Current != 1 || s.Longest != 1 {
		t.Errorf("single active today: got %+v, want {1 1}", s)
	}
}

func TestComputeStreaksRunWithGap(t *testing.T) {
	// Today, yesterday, day-before active; gap; one earlier isolated day.
	days := map[string]int{
		day(0):  2,
		day(-1): 4,
		day(-2): 1,
		day(-7): 3,
	}
	s := ComputeStreaks(days, streakNow)
	if s.Current != 3 {
		t.Errorf("current streak = %d, want 3", s.Current)
	}
	if s.Longest != 3 {
		t.Errorf("longest streak = %d, want 3", s.Longest)
	}
}

func TestComputeStreaksTodayInactive(t *testing.T) {
	// Today has no contributions, so the current streak is broken even
	// though yesterday and the day before are active.
	days := map[string]int{
		day(0):  0,
		day(-1): 3,
		day(-2): 2,
	}
	s := ComputeStreaks(days, streakNow)
	if s.Current != 0 {
		t.Errorf("current streak = %d, want 0 (today inactive)", s.Current)
	}
	if s.Longest != 2 {
		t.Errorf("longest streak = %d, want 2", s.Longest)
	}
}

func TestComputeStreaksLongestNotEndingToday(t *testing.T) {
	// A five-day run in the past beats the two-day run ending today.
	days := map[string]int{
		day(0): 1, day(-1): 1,
		day(-10): 2, day(-11): 2, day(-12): 2, day(-13): 2, day(-14): 2,
	}
	s := ComputeStreaks(days, streakNow)
	if s.Current != 2 {
		t.Errorf("current streak = %d, want 2", s.Current)
	}
	if s.Longest != 5 {
		t.Errorf("longest streak = %d, want 5", s.Longest)
	}
}

func TestComputeStreaksIdempotent(t *testing.T) {
	days := map[string]int{
		day(0): 1, day(-1): 2, day(-3): 4, day(-4): 1,
	}
	first := ComputeStreaks(days, streakNow)
	second := ComputeStreaks(days, streakNow)
	if first != second {
		t.Errorf("streak computation not idempotent: %+v vs %+v", first, second)
	}
}

func TestComputeStreaksIgnoresMalformedDates(t *testing.T) {
	days := map[string]int{
		day(0):       1,
		"not-a-date": 7,
	}
	s := ComputeStreaks(days, streakNow)
	if s.Current != 1 || s.Longest != 1 {
		t.Errorf("malformed date not ignored: got %+v, want {1 1}", s)
	}
}

func TestComputeStreaksYearBoundary(t *testing.T) {
	// Dec 31 -> Jan 1 is one calendar day apart and must chain.
	now := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	days := map[string]int{
		"2024-12-31": 1,
		"2025-01-01": 2,
		"2025-01-02": 3,
	}
	s := ComputeStreaks(days, now)
	if s.Current != 3 || s.Longest != 3 {
		t.Errorf("year boundary: got %+v, want {3 3}", s)
	}
}

func TestContributionCalendarDayCounts(t *testing.T) {
	cal := &ContributionCalendar{
		Weeks: []ContributionWeek{
			{Days: []ContributionDay{
				{Date: "2025-06-01", Count: 3, Level: 2},
				{Date: "2025-06-02", Count: 0, Level: 0},
			}},
			{Days: []ContributionDay{
				{Date: "2025-06-08", Count: 7, Level: 4},
			}},
		},
	}

	days := cal.DayCounts()
	if len(days) != 3 {
		t.Fatalf("DayCounts size = %d, want 3", len(days))
	}
	if days["2025-06-01"] != 3 || days["2025-06-02"] != 0 || days["2025-06-08"] != 7 {
		t.Errorf("DayCounts mismatch: %v", days)
	}
}
