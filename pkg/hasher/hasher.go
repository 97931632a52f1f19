// Package hasher derives the coalescing key handed to the host notification
// system. Every producer that alerts on an order must use NotificationKey so
// duplicate alerts merge instead of stacking.
package hasher

import "unicode/utf16"

const (
	seed = 5381
	mask = 0x7fffffff
)

// NotificationKey maps an order id to a non-negative 31-bit integer using the
// multiply-by-33-plus-add recurrence over UTF-16 code units.
func NotificationKey(id string) int32 {
	var h uint32 = seed
	for _, unit := range utf16.Encode([]rune(id)) {
		h = h*33 + uint32(unit)
	}
	return int32(h & mask)
}
