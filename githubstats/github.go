package githubstats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-github/v67/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"encore.app/pkg/models"
)

// Client is the upstream GitHub adapter. Profile and repository data come
// from the REST API (which exposes rate-limit headers); contribution
// calendars are only available through the GraphQL API.
type Client struct {
	rest *github.Client
	gql  *githubv4.Client
}

// NewClient builds a client authenticated with the given bearer token.
// Both APIs share one oauth2-wrapped HTTP client.
func NewClient(token string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)

	return &Client{
		rest: github.NewClient(httpClient),
		gql:  githubv4.NewClient(httpClient),
	}
}

// Profile fetches a user profile and returns it serialized, along with the
// rate-limit snapshot read from the response headers.
func (c *Client) Profile(ctx context.Context, username string) (json.RawMessage, *models.RateLimit, error) {
	user, resp, err := c.rest.Users.Get(ctx, username)
	if err != nil {
		return nil, nil, fmt.Errorf("github profile fetch for %q: %w", username, err)
	}

	payload, err := json.Marshal(user)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize profile: %w", err)
	}

	return payload, restRateLimit(resp), nil
}

// Repos fetches one page of a user's repositories sorted by last update.
func (c *Client) Repos(ctx context.Context, username string, page, perPage int) (json.RawMessage, *models.RateLimit, error) {
	opts := &github.RepositoryListByUserOptions{
		Sort: "updated",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}

	repos, resp, err := c.rest.Repositories.ListByUser(ctx, username, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("github repos fetch for %q page %d: %w", username, page, err)
	}

	payload, err := json.Marshal(repos)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize repos: %w", err)
	}

	return payload, restRateLimit(resp), nil
}

// Contributions fetches one calendar year of contribution data via GraphQL
// and transforms it into the calendar shape the cache persists.
func (c *Client) Contributions(ctx context.Context, username string, year int) (*ContributionCalendar, error) {
	var q struct {
		User struct {
			ContributionsCollection struct {
				ContributionCalendar struct {
					TotalContributions githubv4.Int
					Weeks              []struct {
						ContributionDays []struct {
							Date              string
							ContributionCount githubv4.Int
							ContributionLevel githubv4.ContributionLevel
						}
					}
					Months []struct {
						Name       string
						Year       githubv4.Int
						FirstDay   string
						TotalWeeks githubv4.Int
					}
				}
			} `graphql:"contributionsCollection(from: $from, to: $to)"`
		} `graphql:"user(login: $login)"`
	}

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC)

	variables := map[string]interface{}{
		"login": githubv4.String(username),
		"from":  githubv4.DateTime{Time: from},
		"to":    githubv4.DateTime{Time: to},
	}

	if err := c.gql.Query(ctx, &q, variables); err != nil {
		return nil, fmt.Errorf("github contributions fetch for %q year %d: %w", username, year, err)
	}

	raw := q.User.ContributionsCollection.ContributionCalendar
	cal := &ContributionCalendar{
		Year:  year,
		Total: int(raw.TotalContributions),
		Weeks: make([]ContributionWeek, 0, len(raw.Weeks)),
	}

	for _, w := range raw.Weeks {
		week := ContributionWeek{Days: make([]ContributionDay, 0, len(w.ContributionDays))}
		for _, d := range w.ContributionDays {
			week.Days = append(week.Days, ContributionDay{
				Date:  d.Date,
				Count: int(d.ContributionCount),
				Level: contributionLevelValue(d.ContributionLevel),
			})
		}
		cal.Weeks = append(cal.Weeks, week)
	}

	for _, m := range raw.Months {
		cal.Months = append(cal.Months, ContributionMonth{
			Name:       m.Name,
			Year:       int(m.Year),
			FirstDay:   m.FirstDay,
			TotalWeeks: int(m.TotalWeeks),
		})
	}

	return cal, nil
}

// contributionLevelValue maps the GraphQL contribution level enum onto the
// 0-4 intensity scale the calendar payload stores.
func contributionLevelValue(level githubv4.ContributionLevel) int {
	switch level {
	case githubv4.ContributionLevelFirstQuartile:
		return 1
	case githubv4.ContributionLevelSecondQuartile:
		return 2
	case githubv4.ContributionLevelThirdQuartile:
		return 3
	case githubv4.ContributionLevelFourthQuartile:
		return 4
	default:
		return 0
	}
}

// restRateLimit extracts the advisory rate-limit snapshot from a REST
// response. GraphQL responses carry a separate budget and are not tracked.
func restRateLimit(resp *github.Response) *models.RateLimit {
	if resp == nil {
		return nil
	}
	return &models.RateLimit{
		Limit:     resp.Rate.Limit,
		Remaining: resp.Rate.Remaining,
		Reset:     resp.Rate.Reset.Time,
	}
}

// ContributionCalendar is the transformed contribution data persisted as the
// cache payload for a (username, year) entry.
type ContributionCalendar struct {
	Year   int                 `json:"year"`
	Total  int                 `json:"totalContributions"`
	Weeks  []ContributionWeek  `json:"weeks"`
	Months []ContributionMonth `json:"months,omitempty"`
}

// ContributionWeek is one column of the contribution calendar.
type ContributionWeek struct {
	Days []ContributionDay `json:"days"`
}

// ContributionDay is a single calendar day with its contribution count and
// 0-4 intensity level.
type ContributionDay struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	Level int    `json:"level"`
}

// ContributionMonth is display metadata for one month of the calendar.
type ContributionMonth struct {
	Name       string `json:"name"`
	Year       int    `json:"year"`
	FirstDay   string `json:"firstDay"`
	TotalWeeks int    `json:"totalWeeks"`
}

// DayCounts flattens the calendar into the day-indexed series the streak
// algorithm consumes.
func (c *ContributionCalendar) DayCounts() map[string]int {
	days := make(map[string]int, 366)
	for _, week := range c.Weeks {
		for _, day := range week.Days {
			days[day.Date] = day.Count
		}
	}
	return days
}
