package dialect

import "fmt"

// DurationMs returns the SQL expression for the difference between two timestamps in milliseconds.
//
//	SQLite:   (julianday(end) - julianday(start)) * 86400000
//	Postgres: EXTRACT(EPOCH FROM (end - start)) * 1000
func DurationMs(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s)) * 1000", end, start)
	}
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400000", end, start)
}

// NowMinusSeconds returns the SQL expression for "current time minus N seconds",
// where secondsExpr is a parameter placeholder or expression producing seconds.
//
//	SQLite:   datetime('now', '-' || secondsExpr || ' seconds')
//	Postgres: NOW() - (secondsExpr || ' seconds')::interval
func NowMinusSeconds(driver, secondsExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' seconds')::interval", secondsExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' seconds')", secondsExpr)
}
