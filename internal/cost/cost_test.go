package cost

import (
	"math"
	"sync"
	"testing"
	"time"
)

func testPrices() Prices {
	return Prices{
		NeuralPerMillionChars:    16.0,
		StandardPerMillionChars:  4.0,
		TranslatePerMillionChars: 15.0,
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTotalsAndBreakdown(t *testing.T) {
	tr := NewTracker(testPrices(), 3.0, time.Minute, nil)

	tr.Record(ServiceNeuralTTS, 1_000_000)
	tr.Record(ServiceNeuralTTS, 500_000)
	tr.Record(ServiceTranslation, 2_000_000)

	b := tr.Breakdown()
	if got := b.Services[ServiceNeuralTTS]; got.Units != 1_500_000 || !approx(got.USD, 24.0) {
		t.Errorf("neural = %+v", got)
	}
	if got := b.Services[ServiceTranslation]; !approx(got.USD, 30.0) {
		t.Errorf("translation = %+v", got)
	}
	if !approx(b.TotalUSD, 54.0) {
		t.Errorf("TotalUSD = %v, want 54", b.TotalUSD)
	}
}

func TestZeroAndNegativeUnitsIgnored(t *testing.T) {
	tr := NewTracker(testPrices(), 3.0, time.Minute, nil)
	tr.Record(ServiceNeuralTTS, 0)
	tr.Record(ServiceNeuralTTS, -5)
	if b := tr.Breakdown(); b.TotalUSD != 0 || len(b.Services) != 0 {
		t.Errorf("Breakdown = %+v", b)
	}
}

func TestAlarmFiresOnceThenCoolsDown(t *testing.T) {
	var mu sync.Mutex
	var alarms []float64
	tr := NewTracker(testPrices(), 3.0, 10*time.Minute, func(rate float64) {
		mu.Lock()
		alarms = append(alarms, rate)
		mu.Unlock()
	})

	// 200k neural chars = $3.20, above the $3/h threshold.
	tr.Record(ServiceNeuralTTS, 200_000)
	// More spend inside the cooldown does not re-alarm.
	tr.Record(ServiceNeuralTTS, 200_000)

	mu.Lock()
	defer mu.Unlock()
	if len(alarms) != 1 {
		t.Fatalf("alarms = %v, want exactly one", alarms)
	}
	if !approx(alarms[0], 3.2) {
		t.Errorf("alarm rate = %v, want 3.2", alarms[0])
	}
}

func TestAlarmRefiresAfterCooldown(t *testing.T) {
	count := 0
	tr := NewTracker(testPrices(), 3.0, 10*time.Minute, func(float64) { count++ })

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Record(ServiceNeuralTTS, 300_000)

	tr.now = func() time.Time { return base.Add(11 * time.Minute) }
	tr.Record(ServiceNeuralTTS, 300_000)

	if count != 2 {
		t.Errorf("alarm count = %d, want 2", count)
	}
}

func TestRollingWindowForgetsOldSpend(t *testing.T) {
	tr := NewTracker(testPrices(), 0, 0, nil)

	base := time.Now()
	tr.now = func() time.Time { return base }
	tr.Record(ServiceNeuralTTS, 200_000)

	// Session totals persist, the hourly projection does not.
	tr.now = func() time.Time { return base.Add(2 * time.Hour) }
	b := tr.Breakdown()
	if !approx(b.TotalUSD, 3.2) {
		t.Errorf("TotalUSD = %v, want 3.2", b.TotalUSD)
	}
	if !approx(b.ProjectedHourlyUSD, 0) {
		t.Errorf("ProjectedHourlyUSD = %v, want 0", b.ProjectedHourlyUSD)
	}
}

func TestNoAlarmBelowThreshold(t *testing.T) {
	fired := false
	tr := NewTracker(testPrices(), 3.0, time.Minute, func(float64) { fired = true })
	tr.Record(ServiceNeuralTTS, 100_000) // $1.60
	if fired {
		t.Error("alarm must not fire below the threshold")
	}
}

func TestFreeze(t *testing.T) {
	tr := NewTracker(testPrices(), 3.0, time.Minute, nil)
	tr.Record(ServiceStandardTTS, 1_000_000)

	final := tr.Freeze()
	if !approx(final.TotalUSD, 4.0) {
		t.Errorf("final TotalUSD = %v, want 4", final.TotalUSD)
	}

	// Records after freeze are dropped.
	tr.Record(ServiceStandardTTS, 1_000_000)
	if b := tr.Breakdown(); !approx(b.TotalUSD, 4.0) {
		t.Errorf("TotalUSD after freeze = %v, want 4", b.TotalUSD)
	}

	// Freeze is idempotent.
	if again := tr.Freeze(); !approx(again.TotalUSD, 4.0) {
		t.Errorf("second Freeze = %+v", again)
	}
}
