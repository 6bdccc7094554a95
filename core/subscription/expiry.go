package subscription

import "time"

// AddMonths adds calendar months to t. When the day does not exist in the target month
// it is clamped to the month's last day: Jan 31 + 1 month = Feb 28 (or 29),
// Feb 29 + 12 months = Feb 28.
// time.AddDate would normalize those dates into the following month instead.
func AddMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	return time.Date(target.Year(), target.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// UpdateFor returns the subscription patch granted by redeeming a plan at now.
// Trials write the trial expiry; paid plans write the paid expiry.
func UpdateFor(plan Plan, now time.Time) (Update, error) {
	upd := Update{Active: true, Plan: plan, UpdatedAt: now}
	if plan.IsTrial() {
		exp := now.Add(TrialPeriod)
		upd.TrialExpiresAt = &exp
		return upd, nil
	}

	months, ok := planMonths[plan]
	if !ok {
		return Update{}, ErrInvalidPlan
	}
	exp := AddMonths(now, months)
	upd.PaidExpiresAt = &exp
	return upd, nil
}
