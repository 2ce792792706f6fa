package persistence

import "time"

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func nullableUnixMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(v)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}

	return v
}
