package engine

import (
	"context"
	"sort"
	"time"

	"adrkeeper/internal/domain"
	"adrkeeper/internal/repo"
)

const (
	recentActivityLimit = 5
	commonTagsLimit     = 10
)

// Stats summarizes decisions and insights for a dashboard. now selects the
// calendar month counted in CreatedThisMonth.
func (e Engine) Stats(ctx context.Context, now time.Time) (domain.Stats, error) {
	now = now.UTC()
	key := now.Format("2006-01")
	if v, ok := e.views.get("stats", key); ok {
		return v.(domain.Stats), nil
	}
	gen := e.views.generation()
	decisions, err := e.Repo.ListDecisions(ctx, repo.DecisionFilters{})
	if err != nil {
		return domain.Stats{}, err
	}
	insights, err := e.Repo.ListInsights(ctx, repo.InsightFilters{})
	if err != nil {
		return domain.Stats{}, err
	}
	s := ComputeStats(decisions, insights, now)
	e.views.add("stats", key, s, gen)
	return s, nil
}

// ComputeStats is the pure aggregation behind Stats.
func ComputeStats(decisions []domain.DecisionRecord, insights []domain.Insight, now time.Time) domain.Stats {
	s := domain.Stats{
		TotalDecisions: len(decisions),
		ByStatus:       make(map[domain.Status]int, len(domain.Statuses)),
		TotalInsights:  len(insights),
		RecentActivity: []domain.Activity{},
		CommonTags:     []domain.TagCount{},
	}
	for _, st := range domain.Statuses {
		s.ByStatus[st] = 0
	}
	year, month, _ := now.Date()
	tags := map[string]int{}
	activity := make([]domain.Activity, 0, len(decisions)+len(insights))
	for _, d := range decisions {
		s.ByStatus[d.Status]++
		if y, m, _ := d.CreatedAt.UTC().Date(); y == year && m == month {
			s.CreatedThisMonth++
		}
		for _, t := range d.Tags {
			tags[t]++
		}
		activity = append(activity, domain.Activity{Kind: "decision", ID: d.ID, Title: d.Title, Status: d.Status, CreatedAt: d.CreatedAt})
	}
	for _, in := range insights {
		if in.Converted() {
			s.ConvertedInsights++
		}
		for _, t := range in.Tags {
			tags[t]++
		}
		activity = append(activity, domain.Activity{Kind: "insight", ID: in.ID, Title: in.Title, CreatedAt: in.CreatedAt})
	}
	sort.SliceStable(activity, func(i, j int) bool {
		return activity[i].CreatedAt.After(activity[j].CreatedAt)
	})
	if len(activity) > recentActivityLimit {
		activity = activity[:recentActivityLimit]
	}
	s.RecentActivity = append(s.RecentActivity, activity...)
	for t, n := range tags {
		s.CommonTags = append(s.CommonTags, domain.TagCount{Tag: t, Count: n})
	}
	sort.Slice(s.CommonTags, func(i, j int) bool {
		if s.CommonTags[i].Count != s.CommonTags[j].Count {
			return s.CommonTags[i].Count > s.CommonTags[j].Count
		}
		return s.CommonTags[i].Tag < s.CommonTags[j].Tag
	})
	if len(s.CommonTags) > commonTagsLimit {
		s.CommonTags = s.CommonTags[:commonTagsLimit]
	}
	return s
}
