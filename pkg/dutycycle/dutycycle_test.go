package dutycycle

import (
	"testing"
	"time"
)

// TestS5EUDutyCycle reproduces spec §8 scenario S5: EU region, 1000ms
// transmission admitted, then a 35s request must be refused, then after the
// window rolls past the prior transmission it must succeed again.
func TestS5EUDutyCycle(t *testing.T) {
	m := New(EU, false)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	if !m.Admit(1000*time.Millisecond, Normal, false, 0) {
		t.Fatalf("expected initial 1000ms transmission to be admitted")
	}

	if m.CanTransmitNow(35_000*time.Millisecond, Normal, false) {
		t.Fatalf("35s transmission should violate EU's 1%% duty cycle after a prior 1s send")
	}

	fakeNow = fakeNow.Add(time.Hour + time.Second)
	if !m.CanTransmitNow(35_000*time.Millisecond, Normal, false) {
		t.Fatalf("after the window rolls past the prior transmission, transmission should be allowed")
	}
}

func TestEmergencyOverrideBypassesCap(t *testing.T) {
	m := New(EU, true)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	for i := 0; i < 5; i++ {
		m.Admit(7*time.Second, Normal, false, 0)
	}
	if m.CanTransmitNow(10*time.Second, Critical, false) {
		t.Fatalf("non-emergency CRITICAL should still be capped")
	}
	if !m.CanTransmitNow(10*time.Second, Critical, true) {
		t.Fatalf("emergency-flagged CRITICAL should bypass the cap when override is enabled")
	}
}

func TestUSRegionHasNoDutyCycleCap(t *testing.T) {
	m := New(US, false)
	if !m.CanTransmitNow(50*time.Second, Normal, false) {
		t.Fatalf("US preset has no duty-cycle enforcement, only dwell/hop constraints")
	}
}

func TestComplianceNeverExceedsWindowOverTime(t *testing.T) {
	m := New(EU, false)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	admitted := 0
	for i := 0; i < 100; i++ {
		if m.Admit(100*time.Millisecond, Low, false, 0) {
			admitted++
		}
		fakeNow = fakeNow.Add(10 * time.Second)
	}
	stats := m.Stats()
	if stats.CurrentDutyCycle > m.Preset().MaxDutyCycle+1e-9 {
		t.Fatalf("sliding-window duty cycle %.5f exceeds cap %.5f", stats.CurrentDutyCycle, m.Preset().MaxDutyCycle)
	}
	_ = admitted
}

func TestWarningEventFiresBeforeViolation(t *testing.T) {
	m := New(EU, false)
	fakeNow := time.Now()
	m.now = func() time.Time { return fakeNow }

	var gotWarning bool
	m.Subscribe(func(ev Event, _ Stats) {
		if ev == EventDutyCycleWarning {
			gotWarning = true
		}
	})
	m.Admit(29*time.Second, Low, false, 0)
	if !gotWarning {
		t.Fatalf("expected duty_cycle_warning to fire near the cap")
	}
}
