package usage

import (
	"context"
	"time"

	"github.com/chainpulse/ruleengine/rule"
)

const dayFormat = "2006-01-02"

// TrendPoint is one calendar day in a trend series.
type TrendPoint struct {
	Date  string `json:"date"` // "2006-01-02"
	Count int    `json:"count"`
}

// Trend is a rule's daily usage over a trailing window. The series always
// holds exactly days+1 points spanning [today-days, today] inclusive, with
// zero-count days present, so averages and peak detection stay well-defined
// on sparse data.
type Trend struct {
	RuleID       string       `json:"rule_id"`
	Days         int          `json:"days"`
	Points       []TrendPoint `json:"points"`
	TotalUsage   int          `json:"total_usage"`
	AverageDaily float64      `json:"average_daily"`
	PeakDay      string       `json:"peak_day,omitempty"`
	PeakCount    int          `json:"peak_count"`
}

// Trend buckets the rule's usage records into the trailing days-day window.
func (t *Tracker) Trend(ctx context.Context, ruleID string, days int) (*Trend, error) {
	if days <= 0 {
		return nil, rule.NewError(rule.ErrValidation,
			"trend window must be positive",
			map[string]any{"days": days})
	}

	records, err := t.repo.UsageRecordsByRule(ctx, ruleID, 0)
	if err != nil {
		return nil, rule.WrapStorage("get usage records", err)
	}

	today := midnight(t.now())
	first := today.AddDate(0, 0, -days)

	counts := make(map[string]int)
	for _, rec := range records {
		day := midnight(rec.UsedAt)
		if day.Before(first) || day.After(today) {
			continue
		}
		counts[day.Format(dayFormat)]++
	}

	trend := &Trend{RuleID: ruleID, Days: days, Points: make([]TrendPoint, 0, days+1)}
	for d := 0; d <= days; d++ {
		date := first.AddDate(0, 0, d).Format(dayFormat)
		count := counts[date]
		trend.Points = append(trend.Points, TrendPoint{Date: date, Count: count})
		trend.TotalUsage += count
		if count > trend.PeakCount {
			trend.PeakCount = count
			trend.PeakDay = date
		}
	}
	trend.AverageDaily = float64(trend.TotalUsage) / float64(days)
	return trend, nil
}

func midnight(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
