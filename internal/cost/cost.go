// Package cost aggregates per-service usage into running cost estimates for
// one session.
//
// Every paid call reports (service, units). The tracker keeps per-service
// totals for the session plus a rolling one-hour window; when the window's
// projected hourly rate crosses the configured threshold it emits a single
// throttled alarm. On session end the tracker freezes and yields the final
// breakdown.
package cost

import (
	"sync"
	"time"
)

// Service identifies one billable upstream service.
type Service string

const (
	// ServiceNeuralTTS is neural-engine synthesis, billed per character.
	ServiceNeuralTTS Service = "neural-tts"

	// ServiceStandardTTS is standard-engine synthesis, billed per character.
	ServiceStandardTTS Service = "standard-tts"

	// ServiceTranslation is machine translation, billed per character. The
	// translation happens in the admin's capture pipeline; the tracker counts
	// the characters flowing through broadcasts to estimate that spend.
	ServiceTranslation Service = "translation"
)

// Prices holds USD unit prices per million characters.
type Prices struct {
	NeuralPerMillionChars    float64
	StandardPerMillionChars  float64
	TranslatePerMillionChars float64
}

func (p Prices) perUnit(svc Service) float64 {
	switch svc {
	case ServiceNeuralTTS:
		return p.NeuralPerMillionChars / 1e6
	case ServiceStandardTTS:
		return p.StandardPerMillionChars / 1e6
	case ServiceTranslation:
		return p.TranslatePerMillionChars / 1e6
	default:
		return 0
	}
}

// ServiceCost is one service's share of a [Breakdown].
type ServiceCost struct {
	Units int64   `json:"units"`
	USD   float64 `json:"usd"`
}

// Breakdown is the cost summary for a session.
type Breakdown struct {
	Services map[Service]ServiceCost `json:"services"`
	TotalUSD float64                 `json:"totalUSD"`

	// ProjectedHourlyUSD is the rolling one-hour window's spend.
	ProjectedHourlyUSD float64 `json:"projectedHourlyUSD"`
}

// alarmWindow is the rolling window the threshold alarm projects over.
const alarmWindow = time.Hour

type event struct {
	at  time.Time
	usd float64
}

// Tracker accumulates usage for one session. Safe for concurrent use.
type Tracker struct {
	prices    Prices
	threshold float64
	cooldown  time.Duration
	onAlarm   func(projectedHourlyUSD float64)
	now       func() time.Time

	mu        sync.Mutex
	totals    map[Service]int64
	window    []event
	lastAlarm time.Time
	frozen    bool
}

// NewTracker creates a Tracker. onAlarm, when non-nil, is invoked (without
// holding the tracker lock) whenever the projected hourly rate crosses
// threshold, at most once per cooldown.
func NewTracker(prices Prices, threshold float64, cooldown time.Duration, onAlarm func(float64)) *Tracker {
	return &Tracker{
		prices:    prices,
		threshold: threshold,
		cooldown:  cooldown,
		onAlarm:   onAlarm,
		now:       time.Now,
		totals:    make(map[Service]int64),
	}
}

// Record adds units consumed by a service. Calls on a frozen tracker are
// dropped.
func (t *Tracker) Record(svc Service, units int64) {
	if units <= 0 {
		return
	}
	usd := float64(units) * t.prices.perUnit(svc)

	t.mu.Lock()
	if t.frozen {
		t.mu.Unlock()
		return
	}
	t.totals[svc] += units
	now := t.now()
	t.window = append(t.window, event{at: now, usd: usd})
	t.pruneLocked(now)

	var alarm float64
	fire := false
	if t.onAlarm != nil && t.threshold > 0 {
		alarm = t.windowUSDLocked()
		if alarm > t.threshold && now.Sub(t.lastAlarm) >= t.cooldown {
			t.lastAlarm = now
			fire = true
		}
	}
	t.mu.Unlock()

	if fire {
		t.onAlarm(alarm)
	}
}

// Breakdown returns the current cost summary.
func (t *Tracker) Breakdown() Breakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(t.now())
	return t.breakdownLocked()
}

// Freeze stops the tracker and returns the final breakdown. Further Record
// calls are dropped. Freeze is idempotent.
func (t *Tracker) Freeze() Breakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frozen = true
	return t.breakdownLocked()
}

func (t *Tracker) breakdownLocked() Breakdown {
	b := Breakdown{
		Services:           make(map[Service]ServiceCost, len(t.totals)),
		ProjectedHourlyUSD: t.windowUSDLocked(),
	}
	for svc, units := range t.totals {
		usd := float64(units) * t.prices.perUnit(svc)
		b.Services[svc] = ServiceCost{Units: units, USD: usd}
		b.TotalUSD += usd
	}
	return b
}

// windowUSDLocked sums the rolling window's spend. Must be called with t.mu
// held and the window pruned.
func (t *Tracker) windowUSDLocked() float64 {
	var usd float64
	for _, e := range t.window {
		usd += e.usd
	}
	return usd
}

// pruneLocked drops events older than the alarm window.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-alarmWindow)
	i := 0
	for i < len(t.window) && t.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.window = append(t.window[:0], t.window[i:]...)
	}
}
