package shared

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod indicates a month/year pair outside the supported range.
var ErrInvalidPeriod = errors.New("period invalid")

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// ValidatePeriod checks month and year bounds.
func ValidatePeriod(month, year int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidPeriod, month)
	}
	if year < 2000 || year > 9999 {
		return fmt.Errorf("%w: year %d", ErrInvalidPeriod, year)
	}
	return nil
}

// MonthBounds returns the first and last calendar day of the month in UTC.
func MonthBounds(month, year int) (time.Time, time.Time) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, -1)
	return from, to
}

// DateOnly truncates t to its calendar day in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PeriodLabel renders YYYY-MM.
func PeriodLabel(month, year int) string {
	return fmt.Sprintf("%04d-%02d", year, month)
}
