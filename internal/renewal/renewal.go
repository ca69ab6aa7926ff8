// Package renewal computes billing period boundaries.
package renewal

import (
	"errors"
	"time"
)

// Unit is a billing interval unit.
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
	UnitYear  Unit = "year"
)

var (
	ErrInvalidUnit  = errors.New("invalid_interval_unit")
	ErrInvalidCount = errors.New("invalid_interval_count")
)

// Next returns the billing timestamp count units after anchor.
//
// Month and year arithmetic follows time.AddDate normalization: when the
// anchor day does not exist in the target month the result rolls forward,
// e.g. 2024-01-31 + 1 month = 2024-03-02. Time of day and UTC offset are
// preserved.
func Next(anchor time.Time, unit Unit, count int) (time.Time, error) {
	if count < 1 {
		return time.Time{}, ErrInvalidCount
	}
	switch unit {
	case UnitDay:
		return anchor.AddDate(0, 0, count), nil
	case UnitWeek:
		return anchor.AddDate(0, 0, 7*count), nil
	case UnitMonth:
		return anchor.AddDate(0, count, 0), nil
	case UnitYear:
		return anchor.AddDate(count, 0, 0), nil
	default:
		return time.Time{}, ErrInvalidUnit
	}
}

// ParseUnit normalizes a stored interval unit string.
func ParseUnit(raw string) (Unit, error) {
	switch Unit(raw) {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
		return Unit(raw), nil
	default:
		return "", ErrInvalidUnit
	}
}

// ReminderDue reports whether nextRenewal falls within the window that ends
// days*24h from now. A renewal already in the past is never "due" for a
// reminder; that subscription belongs to the dunning path.
func ReminderDue(nextRenewal, now time.Time, days int) bool {
	if nextRenewal.Before(now) {
		return false
	}
	return !nextRenewal.After(now.Add(time.Duration(days) * 24 * time.Hour))
}
