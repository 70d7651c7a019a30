package memory

import (
	"expvar"
	"fmt"
)

// Metrics holds the expvar variables for one governor instance. A single
// Metrics value is shared by the pools, the spill tracker and the query
// contexts wired to them; gauges are updated additively so sharing across
// pools keeps them correct during migrations.
type Metrics struct {
	PublishedGlobally bool // set when the variables live in the global expvar namespace

	ReservedBytes          *expvar.Int // gauge: general pool memory currently reserved
	RevocableReservedBytes *expvar.Int // gauge: revocable pool memory currently reserved
	SpillSpaceUsedBytes    *expvar.Int // gauge: node-wide spill space in use
	ActiveTasks            *expvar.Int // gauge: registered task contexts

	ReservationsTotal        *expvar.Int
	BlockedReservationsTotal *expvar.Int
	MemoryLimitExceededTotal *expvar.Int
	SpillLimitExceededTotal  *expvar.Int
	PoolMigrationsTotal      *expvar.Int
	ResourceOvercommitsTotal *expvar.Int
}

// NewMetrics creates and initializes a Metrics struct. When publishGlobally
// is true the variables are registered in the global expvar namespace under
// the given prefix (re-registering resets the existing variables); otherwise
// they stay private to this instance, which is what tests want.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	if publishGlobally {
		newInt = reuseInt
	}

	return &Metrics{
		PublishedGlobally: publishGlobally,

		ReservedBytes:          newInt(prefix + "reserved_bytes"),
		RevocableReservedBytes: newInt(prefix + "revocable_reserved_bytes"),
		SpillSpaceUsedBytes:    newInt(prefix + "spill_space_used_bytes"),
		ActiveTasks:            newInt(prefix + "active_tasks"),

		ReservationsTotal:        newInt(prefix + "reservations_total"),
		BlockedReservationsTotal: newInt(prefix + "blocked_reservations_total"),
		MemoryLimitExceededTotal: newInt(prefix + "memory_limit_exceeded_total"),
		SpillLimitExceededTotal:  newInt(prefix + "spill_limit_exceeded_total"),
		PoolMigrationsTotal:      newInt(prefix + "pool_migrations_total"),
		ResourceOvercommitsTotal: newInt(prefix + "resource_overcommits_total"),
	}
}

// reuseInt publishes an int gauge, resetting one that already exists under
// the same name. Governors are rebuilt in tests and on reconfiguration;
// only a name collision with a different expvar type panics.
func reuseInt(name string) *expvar.Int {
	switch v := expvar.Get(name).(type) {
	case nil:
		return expvar.NewInt(name)
	case *expvar.Int:
		v.Set(0)
		return v
	default:
		panic(fmt.Sprintf("expvar name %q already taken by a %T", name, v))
	}
}
