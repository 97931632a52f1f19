package constants

import "time"

// Response deadline and buffering defaults
const (
	// DefaultResponseWindowSeconds - Time an operator has to answer a new order, measured from its creation
	DefaultResponseWindowSeconds = 60

	// DefaultPendingTTL - How long a deferred hand-off waits for the session to become ready
	DefaultPendingTTL = 15 * time.Second

	// DefaultWriteTimeout - Upper bound on every backing-store write
	DefaultWriteTimeout = 5 * time.Second

	// DefaultLegacyLocationCap - Maximum list-membership size of the legacy scalar-location query
	DefaultLegacyLocationCap = 10

	// DefaultLedgerRetention - Presented-order ledger entries older than this are removed
	DefaultLedgerRetention = 24 * time.Hour
)

// Redis key prefixes and names
const (
	OrderKeyPrefix       = "order:"
	PendingOrdersKey     = "orders:status:pending"
	OrderChangesStream   = "orders:changes"
	RegistryKey          = "alerts:monitored_branches"
	WorkerChannel        = "alerts:worker"
	SessionChannel       = "alerts:sessions"
	NotificationsKey     = "alerts:notifications"
	NotificationsChannel = "alerts:host-notifications"
	WatcherLeaseKey      = "alerts:watcher:lease"
	PresentedKeyPrefix   = "alerts:presented:"
)

// EnvTestPostgres names the DSN used by Postgres-backed tests; they skip when it is unset.
const EnvTestPostgres = "ORDERALERT_TEST_POSTGRES_URL"

// RemainingSeconds returns the whole seconds left before deadline, rounded up
// and never negative. With a whole-second window this equals
// window - floor(secondsSince(createdAt)).
func RemainingSeconds(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}
