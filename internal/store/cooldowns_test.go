package store

import (
	"testing"
	"time"

	"github.com/allaspectsdev/kirogate/internal/cooldown"
)

func TestCooldownAdapter_RecordAndList(t *testing.T) {
	st := openCoreTestStore(t)
	a := NewCooldownAdapter(st)

	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	a.RecordCooldown(cooldown.Event{CredentialID: 1, Reason: cooldown.RateLimitExceeded, Duration: 90 * time.Second, TriggerCount: 2, At: at})
	a.RecordCooldown(cooldown.Event{CredentialID: 2, Reason: cooldown.AccountSuspended, Duration: 24 * time.Hour, TriggerCount: 1, At: at.Add(time.Minute)})
	a.RecordCooldown(cooldown.Event{CredentialID: 1, Reason: cooldown.ServerError, Duration: 2 * time.Minute, TriggerCount: 1, At: at.Add(2 * time.Minute)})

	all, err := st.ListCooldownEvents(0, 10)
	if err != nil {
		t.Fatalf("ListCooldownEvents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].Reason != "server_error" || all[2].Reason != "rate_limit_exceeded" {
		t.Errorf("events not newest first: %+v, %+v", all[0], all[2])
	}
	if all[2].DurationSeconds != 90 || all[2].TriggerCount != 2 {
		t.Errorf("unexpected first event: %+v", all[2])
	}
	if all[1].DurationSeconds != 86400 {
		t.Errorf("DurationSeconds = %d, want 86400", all[1].DurationSeconds)
	}

	one, err := st.ListCooldownEvents(1, 10)
	if err != nil {
		t.Fatalf("ListCooldownEvents(1): %v", err)
	}
	if len(one) != 2 {
		t.Fatalf("got %d events for credential 1, want 2", len(one))
	}
	for _, e := range one {
		if e.CredentialID != 1 {
			t.Errorf("event for credential %d leaked into filter", e.CredentialID)
		}
	}

	limited, _ := st.ListCooldownEvents(0, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestCountCooldownsByReason(t *testing.T) {
	st := openCoreTestStore(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -2).Format(time.RFC3339)

	for _, e := range []*CooldownEvent{
		{CredentialID: 1, Reason: "rate_limit_exceeded", DurationSeconds: 60, TriggerCount: 1},
		{CredentialID: 2, Reason: "rate_limit_exceeded", DurationSeconds: 60, TriggerCount: 1},
		{CredentialID: 2, Reason: "quota_exhausted", DurationSeconds: 86400, TriggerCount: 1},
		{CredentialID: 3, Reason: "server_error", DurationSeconds: 120, TriggerCount: 1, Timestamp: old},
	} {
		if err := st.InsertCooldownEvent(e); err != nil {
			t.Fatalf("InsertCooldownEvent: %v", err)
		}
		if e.ID == 0 {
			t.Error("ID not populated")
		}
	}

	counts, err := st.CountCooldownsByReason(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountCooldownsByReason: %v", err)
	}
	if counts["rate_limit_exceeded"] != 2 || counts["quota_exhausted"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
	if _, ok := counts["server_error"]; ok {
		t.Error("event older than since was counted")
	}
}

func TestPrune_CooldownEvents(t *testing.T) {
	st := openCoreTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -60).Format(time.RFC3339)

	if err := st.InsertCooldownEvent(&CooldownEvent{CredentialID: 1, Reason: "server_error", DurationSeconds: 120, TriggerCount: 1, Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertCooldownEvent(&CooldownEvent{CredentialID: 1, Reason: "server_error", DurationSeconds: 180, TriggerCount: 2}); err != nil {
		t.Fatal(err)
	}

	res, err := st.Prune(time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.CooldownEvents != 1 || res.Requests != 0 {
		t.Errorf("Prune removed %+v, want 1 cooldown event", res)
	}
	left, _ := st.ListCooldownEvents(0, 10)
	if len(left) != 1 || left[0].DurationSeconds != 180 {
		t.Errorf("unexpected remaining events: %+v", left)
	}
}
