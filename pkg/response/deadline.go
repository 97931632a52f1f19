package response

import "time"

// createdAt reads the creation timestamp from an alert payload in any of the
// shapes it arrives in: a time.Time from the watcher in-process, epoch
// milliseconds after channel sanitization, or an RFC 3339 string from push.
func createdAt(payload map[string]any) (time.Time, bool) {
	switch v := payload["createdAt"].(type) {
	case time.Time:
		return v, !v.IsZero()
	case float64:
		return time.UnixMilli(int64(v)), v > 0
	case int64:
		return time.UnixMilli(v), v > 0
	case int:
		return time.UnixMilli(int64(v)), v > 0
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// deadline is the creation time plus the response window. Alerts without a
// usable creation time are anchored at delivery.
func deadline(payload map[string]any, window time.Duration, now time.Time) time.Time {
	created, ok := createdAt(payload)
	if !ok || created.After(now) {
		created = now
	}
	return created.Add(window)
}
