package subscription

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		from   time.Time
		months int
		want   time.Time
	}{
		{date(2024, time.January, 15), 1, date(2024, time.February, 15)},
		{date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{date(2023, time.January, 31), 1, date(2023, time.February, 28)},
		{date(2024, time.March, 31), 1, date(2024, time.April, 30)},
		{date(2024, time.January, 15), 4, date(2024, time.May, 15)},
		{date(2024, time.October, 31), 4, date(2025, time.February, 28)},
		{date(2024, time.February, 29), 12, date(2025, time.February, 28)},
		{date(2024, time.December, 31), 12, date(2025, time.December, 31)},
	}
	for _, tt := range tests {
		if got := AddMonths(tt.from, tt.months); !got.Equal(tt.want) {
			t.Errorf("AddMonths(%v, %d) = %v, want %v", tt.from, tt.months, got, tt.want)
		}
	}
}

func TestUpdateFor(t *testing.T) {
	now := date(2024, time.January, 15)
	tests := []struct {
		plan      Plan
		wantTrial *time.Time
		wantPaid  *time.Time
		wantErr   error
	}{
		{plan: PlanTrial, wantTrial: ptr(date(2024, time.January, 22))},
		{plan: PlanMonthly, wantPaid: ptr(date(2024, time.February, 15))},
		{plan: PlanTermly, wantPaid: ptr(date(2024, time.May, 15))},
		{plan: PlanYearly, wantPaid: ptr(date(2025, time.January, 15))},
		{plan: "weekly", wantErr: ErrInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			upd, err := UpdateFor(tt.plan, now)
			if err != tt.wantErr {
				t.Fatalf("UpdateFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !upd.Active || upd.Plan != tt.plan || !upd.UpdatedAt.Equal(now) {
				t.Errorf("UpdateFor() = %+v", upd)
			}
			if !timePtrEqual(upd.TrialExpiresAt, tt.wantTrial) {
				t.Errorf("UpdateFor() TrialExpiresAt = %v, want %v", upd.TrialExpiresAt, tt.wantTrial)
			}
			if !timePtrEqual(upd.PaidExpiresAt, tt.wantPaid) {
				t.Errorf("UpdateFor() PaidExpiresAt = %v, want %v", upd.PaidExpiresAt, tt.wantPaid)
			}
		})
	}
}

func TestSubscription_Merge(t *testing.T) {
	trialEnd := date(2024, time.January, 22)
	paidEnd := date(2025, time.January, 15)

	sub := Subscription{SchoolID: "edutec"}.Merge(Update{Active: true, Plan: PlanTrial, TrialExpiresAt: &trialEnd})
	sub = sub.Merge(Update{Active: true, Plan: PlanYearly, PaidExpiresAt: &paidEnd})

	if sub.Plan != PlanYearly || !sub.Active {
		t.Errorf("Merge() = %+v", sub)
	}
	if !timePtrEqual(sub.TrialExpiresAt, &trialEnd) {
		t.Errorf("Merge() cleared the trial expiry: %v", sub.TrialExpiresAt)
	}
	if !timePtrEqual(sub.ExpiresAt(), &paidEnd) {
		t.Errorf("ExpiresAt() = %v, want %v", sub.ExpiresAt(), paidEnd)
	}
	if !sub.Trialed() {
		t.Error("Trialed() = false, want true")
	}

	trialEnd = trialEnd.Add(time.Hour)
	if sub.TrialExpiresAt.Equal(trialEnd) {
		t.Error("Merge() must copy expiry times")
	}
}

func TestSubscription_Expired(t *testing.T) {
	exp := date(2024, time.February, 15)
	sub := Subscription{Active: true, Plan: PlanMonthly, PaidExpiresAt: &exp}

	if sub.Expired(exp.Add(-time.Second)) {
		t.Error("Expired() before expiry = true")
	}
	if !sub.Expired(exp) {
		t.Error("Expired() at expiry = false")
	}
	if !(Subscription{}).Expired(exp) {
		t.Error("Expired() without expiry = false")
	}
}

func ptr(t time.Time) *time.Time { return &t }

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
