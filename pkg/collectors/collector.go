// Package collectors defines the capability interface, the registry that
// maps capability names to collectors, and the gather path that turns a list
// of requested names into a CollectionResult. Concrete probes live in the
// per-family sub-packages (hardware, software, network, security, user,
// other) and are registered at startup.
package collectors

import (
	"context"
	"time"
)

// Family groups related capabilities.
type Family string

const (
	FamilyHardware Family = "hardware"
	FamilySoftware Family = "software"
	FamilyNetwork  Family = "network"
	FamilySecurity Family = "security"
	FamilyUser     Family = "user"
	FamilyOther    Family = "other"
)

// Families lists every family in display order.
var Families = []Family{
	FamilyHardware, FamilySoftware, FamilyNetwork,
	FamilySecurity, FamilyUser, FamilyOther,
}

// AllCapabilities is the request keyword that expands to every registered
// capability.
const AllCapabilities = "all"

// Collector is implemented by every capability probe.
type Collector interface {
	// Name is the capability name used in schedules (e.g. "cpu").
	Name() string

	// Family is the group the capability belongs to.
	Family() Family

	// Collect performs one read and returns a JSON-serializable value.
	// Implementations should honour ctx; the registry abandons calls that
	// outlive their deadline.
	Collect(ctx context.Context) (any, error)
}

// CollectFunc is the signature of a single probe.
type CollectFunc func(ctx context.Context) (any, error)

type funcCollector struct {
	name   string
	family Family
	fn     CollectFunc
}

// New wraps fn as a Collector. Most family packages register their probes
// this way.
func New(name string, family Family, fn CollectFunc) Collector {
	return &funcCollector{name: name, family: family, fn: fn}
}

func (c *funcCollector) Name() string   { return c.name }
func (c *funcCollector) Family() Family { return c.family }

func (c *funcCollector) Collect(ctx context.Context) (any, error) {
	return c.fn(ctx)
}

// CollectorStatus tracks the runtime state of a single collector. The
// registry updates it after every invocation.
type CollectorStatus struct {
	Name        string        `json:"name"`
	Family      Family        `json:"family"`
	Healthy     bool          `json:"healthy"`
	LastRun     time.Time     `json:"last_run,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
	RunCount    int64         `json:"run_count"`
	ErrorCount  int64         `json:"error_count"`
	LastLatency time.Duration `json:"last_latency"`
}
