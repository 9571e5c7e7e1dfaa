package models

import (
	"testing"
	"time"
)

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		cacheType CacheType
		fresh     time.Duration
		stale     time.Duration
	}{
		{CacheProfile, 1 * time.Hour, 2 * time.Hour},
		{CacheRepos, 1 * time.Hour, 2 * time.Hour},
		{CacheContributions, 24 * time.Hour, 48 * time.Hour},
		{CacheStats, 30 * time.Minute, 1 * time.Hour},
	}

	for _, tt := range tests {
		p := PolicyFor(tt.cacheType)
		if p.Fresh != tt.fresh {
			t.Errorf("%s: fresh window = %v, want %v", tt.cacheType, p.Fresh, tt.fresh)
		}
		if p.Stale != tt.stale {
			t.Errorf("%s: stale window = %v, want %v", tt.cacheType, p.Stale, tt.stale)
		}
	}
}

func TestRecordAge(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{LastFetch: now.Add(-45 * time.Minute)}

	if got := rec.Age(now); got != 45*time.Minute {
		t.Errorf("Age = %v, want 45m", got)
	}

	// A record fetched "in the future" (clock skew) has age 0, not negative.
	skewed := &Record{LastFetch: now.Add(1 * time.Minute)}
	if got := skewed.Age(now); got != 0 {
		t.Errorf("Age with future LastFetch = %v, want 0", got)
	}
}

func TestRemainingFreshness(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec := &Record{ExpiresAt: now.Add(10 * time.Minute)}
	if got := rec.RemainingFreshness(now); got != 10*time.Minute {
		t.Errorf("RemainingFreshness = %v, want 10m", got)
	}

	expired := &Record{ExpiresAt: now.Add(-1 * time.Minute)}
	if got := expired.RemainingFreshness(now); got != 0 {
		t.Errorf("RemainingFreshness on expired record = %v, want 0", got)
	}
}

func TestDecide(t *testing.T) {
	policy := Policy{Fresh: 1 * time.Hour, Stale: 2 * time.Hour}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	record := func(age time.Duration) *Record {
		fetched := now.Add(-age)
		return &Record{
			LastFetch: fetched,
			ExpiresAt: fetched.Add(policy.Fresh),
		}
	}

	tests := []struct {
		name string
		rec  *Record
		want Decision
	}{
		{"nil record", nil, DecideMiss},
		{"just fetched", record(0), DecideFresh},
		{"within fresh window", record(59 * time.Minute), DecideFresh},
		{"exactly at expiry", record(1 * time.Hour), DecideFresh},
		{"expired but within stale ceiling", record(90 * time.Minute), DecideStale},
		{"just before stale ceiling", record(2*time.Hour - time.Second), DecideStale},
		{"at stale ceiling", record(2 * time.Hour), DecideMiss},
		{"long past stale ceiling", record(24 * time.Hour), DecideMiss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.rec, now, policy); got != tt.want {
				t.Errorf("Decide = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChanged(t *testing.T) {
	rec := &Record{DataHash: "abc123"}

	if rec.Changed("abc123") {
		t.Error("Changed returned true for identical hash")
	}
	if !rec.Changed("def456") {
		t.Error("Changed returned false for differing hash")
	}
}
