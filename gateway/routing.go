package gateway

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool describes one target pool: a named group of workers serving a single
// model version.
type Pool struct {
	Name     string  `yaml:"name" json:"name"`
	Weight   float64 `yaml:"weight" json:"weight"`
	Endpoint string  `yaml:"endpoint" json:"endpoint"`
}

// RoutingDecision encapsulates the routing decision for a request.
type RoutingDecision struct {
	RequestID  string
	TargetPool string
	Endpoint   string
	Bucket     float64 // The drawn value in [0, total weight)
	Reason     string  // Human-readable explanation
}

// PoolHealth is a lightweight view of one pool's routing state, exposed on
// the health endpoint.
type PoolHealth struct {
	Name    string  `json:"name"`
	Weight  float64 `json:"weight"`
	Healthy bool    `json:"healthy"`
}

// weightTable is an immutable snapshot of the routable pools. Selections read
// a snapshot once and never observe a partially-updated table; reloads and
// health changes build a fresh table and swap the pointer.
type weightTable struct {
	pools      []Pool    // healthy pools in declaration order
	cumulative []float64 // running weight sums, parallel to pools
	total      float64
	all        []PoolHealth // every configured pool, for introspection
}

func buildWeightTable(pools []Pool, unhealthy map[string]bool) *weightTable {
	wt := &weightTable{}
	for _, p := range pools {
		if p.Weight < 0 {
			p.Weight = 0
		}
		healthy := !unhealthy[p.Name]
		wt.all = append(wt.all, PoolHealth{Name: p.Name, Weight: p.Weight, Healthy: healthy})
		if !healthy {
			continue
		}
		wt.total += p.Weight
		wt.pools = append(wt.pools, p)
		wt.cumulative = append(wt.cumulative, wt.total)
	}
	return wt
}

// Router selects a target pool per request using weighted-random draw over the
// healthy pools. The weight table is hot-reloadable: Reload and SetHealthy
// swap an immutable snapshot atomically, so in-flight selections finish on the
// table they started with.
type Router struct {
	table atomic.Pointer[weightTable]

	mu        sync.Mutex // guards writers (pools/unhealthy) and the rng
	pools     []Pool
	unhealthy map[string]bool
	rng       *rand.Rand
}

// NewRouter creates a Router over the given pools, all initially healthy.
// A zero seed derives one from the wall clock.
func NewRouter(pools []Pool, seed int64) *Router {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &Router{
		pools:     append([]Pool(nil), pools...),
		unhealthy: make(map[string]bool),
		rng:       rand.New(rand.NewSource(seed)),
	}
	r.table.Store(buildWeightTable(r.pools, r.unhealthy))
	return r
}

// SelectTarget draws a uniform value in [0, total weight) and maps it to the
// pool whose cumulative interval contains it. Equal weights tie-break by
// declaration order: the first pool whose boundary exceeds the draw wins.
// Fails with a routing error when no healthy pool has positive weight.
func (r *Router) SelectTarget(req *Request) (RoutingDecision, error) {
	wt := r.table.Load()
	if wt.total <= 0 {
		return RoutingDecision{}, E(KindRouting, "no healthy target pool (configured=%d)", len(wt.all))
	}

	r.mu.Lock()
	draw := r.rng.Float64() * wt.total
	r.mu.Unlock()

	for i, bound := range wt.cumulative {
		if draw < bound {
			return RoutingDecision{
				RequestID:  req.ID,
				TargetPool: wt.pools[i].Name,
				Endpoint:   wt.pools[i].Endpoint,
				Bucket:     draw,
				Reason:     "weighted-random",
			}, nil
		}
	}

	// Unreachable for draw < total; guards float boundary at exactly total.
	last := len(wt.pools) - 1
	return RoutingDecision{
		RequestID:  req.ID,
		TargetPool: wt.pools[last].Name,
		Endpoint:   wt.pools[last].Endpoint,
		Bucket:     draw,
		Reason:     "weighted-random (boundary)",
	}, nil
}

// Reload replaces the configured pools and swaps in a fresh snapshot. Health
// marks carry over by name for pools that persist across the reload. This is
// the only hot-reloadable piece of gateway configuration.
func (r *Router) Reload(pools []Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := make(map[string]bool)
	r.pools = append([]Pool(nil), pools...)
	for _, p := range r.pools {
		if r.unhealthy[p.Name] {
			kept[p.Name] = true
		}
	}
	r.unhealthy = kept
	r.table.Store(buildWeightTable(r.pools, r.unhealthy))
	logrus.Infof("[router] reloaded %d pools (total weight %.1f)", len(r.pools), r.table.Load().total)
}

// SetHealthy consumes the externally-fed health signal for one pool.
// Unknown pool names are ignored.
func (r *Router) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	known := false
	for _, p := range r.pools {
		if p.Name == name {
			known = true
			break
		}
	}
	if !known {
		logrus.Warnf("[router] health signal for unknown pool %q ignored", name)
		return
	}
	if healthy {
		delete(r.unhealthy, name)
	} else {
		r.unhealthy[name] = true
	}
	r.table.Store(buildWeightTable(r.pools, r.unhealthy))
	logrus.Infof("[router] pool %s healthy=%v", name, healthy)
}

// Snapshot returns the current per-pool routing state in declaration order.
func (r *Router) Snapshot() []PoolHealth {
	return r.table.Load().all
}
