package store

import "time"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
