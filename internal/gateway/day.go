package gateway

import "time"

// TradingDay computes the trading day for a wall-clock time. After 20:00
// local the night session belongs to the next trading day, skipping
// weekends.
func TradingDay(now time.Time) string {
	day := now
	if now.Hour() >= 20 {
		day = day.AddDate(0, 0, 1)
	}
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return day.Format("20060102")
}
