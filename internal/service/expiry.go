package service

import "time"

// NextExpiry computes the expiry after adding durationDays to an order.
// Renewing before expiry extends from the current expiry so no paid time is
// lost; renewing after expiry starts fresh from now.
func NextExpiry(current *time.Time, durationDays int, now time.Time) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.AddDate(0, 0, durationDays)
}
