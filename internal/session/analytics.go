package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/KasGate/server/internal/storage"
)

// ErrInvalidRange rejects an unknown period name or an inverted custom range.
var ErrInvalidRange = errors.New("session: invalid analytics range")

// topPaymentsLimit is the size of the largest-payments list in analytics.
const topPaymentsLimit = 5

// Analytics is the merchant dashboard aggregate: the selected period, its
// totals, the deltas against the immediately preceding period of equal
// length, and the breakdowns.
type Analytics struct {
	Period    string
	StartDate time.Time
	EndDate   time.Time

	Sessions             int64
	ConfirmedVolumeSompi string

	PreviousSessions             int64
	PreviousConfirmedVolumeSompi string
	SessionsChangePct            *float64 // nil when the previous period is empty
	VolumeChangePct              *float64

	StatusDistribution map[storage.SessionStatus]int64
	Daily              []storage.DailyVolume
	TopPayments        []storage.TopPayment
}

// AnalyticsParams select the reporting window: a named period (24h, 7d, 30d,
// 90d) or an explicit custom range.
type AnalyticsParams struct {
	Period    string
	StartDate *time.Time
	EndDate   *time.Time
}

// Analytics assembles the merchant analytics view. All aggregation is
// read-only against the store and independent of in-memory watcher state.
func (m *Manager) Analytics(ctx context.Context, merchantID string, p AnalyticsParams) (Analytics, error) {
	start, end, err := resolveWindow(p, time.Now().UTC())
	if err != nil {
		return Analytics{}, err
	}
	length := end.Sub(start)
	prevStart, prevEnd := start.Add(-length), start

	count, volume, err := m.store.CountAndVolume(ctx, merchantID, start, end)
	if err != nil {
		return Analytics{}, err
	}
	prevCount, prevVolume, err := m.store.CountAndVolume(ctx, merchantID, prevStart, prevEnd)
	if err != nil {
		return Analytics{}, err
	}
	stats, err := m.store.MerchantStats(ctx, merchantID)
	if err != nil {
		return Analytics{}, err
	}
	daily, err := m.store.DailyVolumes(ctx, merchantID, start, end)
	if err != nil {
		return Analytics{}, err
	}
	top, err := m.store.TopPayments(ctx, merchantID, topPaymentsLimit, start, end)
	if err != nil {
		return Analytics{}, err
	}

	return Analytics{
		Period:                       p.Period,
		StartDate:                    start,
		EndDate:                      end,
		Sessions:                     count,
		ConfirmedVolumeSompi:         volume.String(),
		PreviousSessions:             prevCount,
		PreviousConfirmedVolumeSompi: prevVolume.String(),
		SessionsChangePct:            changePct(big.NewInt(count), big.NewInt(prevCount)),
		VolumeChangePct:              changePct(volume, prevVolume),
		StatusDistribution:           stats.CountByStatus,
		Daily:                        daily,
		TopPayments:                  top,
	}, nil
}

func resolveWindow(p AnalyticsParams, now time.Time) (time.Time, time.Time, error) {
	if p.StartDate != nil && p.EndDate != nil {
		if !p.StartDate.Before(*p.EndDate) {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: start date must precede end date", ErrInvalidRange)
		}
		return p.StartDate.UTC(), p.EndDate.UTC(), nil
	}

	var span time.Duration
	switch p.Period {
	case "24h":
		span = 24 * time.Hour
	case "", "7d":
		span = 7 * 24 * time.Hour
	case "30d":
		span = 30 * 24 * time.Hour
	case "90d":
		span = 90 * 24 * time.Hour
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown period %q", ErrInvalidRange, p.Period)
	}
	return now.Add(-span), now, nil
}

// changePct returns 100·(current−previous)/previous, or nil when the
// previous period had nothing to compare against.
func changePct(current, previous *big.Int) *float64 {
	if previous.Sign() == 0 {
		return nil
	}
	cur, _ := new(big.Float).SetInt(current).Float64()
	prev, _ := new(big.Float).SetInt(previous).Float64()
	pct := (cur - prev) / prev * 100
	return &pct
}
