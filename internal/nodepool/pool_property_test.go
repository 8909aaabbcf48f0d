package nodepool

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// poolOp is one randomly generated pool mutation.
type poolOp struct {
	Kind  int // 0 reserve, 1 reserveAny, 2 release
	Count int
	Seed  int
}

func genPoolOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.IntRange(1, 6),
		gen.IntRange(0, 1000),
	).Map(func(vals []interface{}) poolOp {
		return poolOp{
			Kind:  vals[0].(int),
			Count: vals[1].(int),
			Seed:  vals[2].(int),
		}
	})
}

// pickHosts chooses count hostnames from hosts starting at seed.
func pickHosts(hosts []string, seed, count int) []string {
	if len(hosts) == 0 {
		return []string{"ghost"}
	}
	out := make([]string, 0, count)
	for i := 0; i < count && i < len(hosts); i++ {
		out = append(out, hosts[(seed+i)%len(hosts)])
	}
	return out
}

func apply(p *Pool, hosts []string, op poolOp) {
	switch op.Kind {
	case 0:
		_ = p.Reserve(pickHosts(hosts, op.Seed, op.Count))
	case 1:
		_, _ = p.ReserveAny(op.Count)
	case 2:
		_ = p.Release(pickHosts(hosts, op.Seed, op.Count))
	}
}

// countStates recomputes free/busy directly from the node snapshot.
func countStates(p *Pool) (free, busy int) {
	for _, n := range p.Snapshot() {
		if n.IsFree() {
			free++
		} else {
			busy++
		}
	}
	return free, busy
}

// Free plus busy equals capacity after every operation, and the cached
// counters agree with the node states.
func TestPoolConservation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("free + busy == capacity after every operation", prop.ForAll(
		func(capacity int, ops []poolOp) bool {
			hosts := hostList(capacity)
			p, err := New(hosts, testLogger())
			if err != nil {
				return false
			}

			for _, op := range ops {
				apply(p, hosts, op)

				free, busy := p.Counts()
				if free+busy != p.Capacity() {
					return false
				}
				sf, sb := countStates(p)
				if sf != free || sb != busy {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 12),
		gen.SliceOf(genPoolOp()),
	))

	properties.TestingRun(t)
}

// A failed Reserve or ReserveAny leaves every node exactly as it was.
func TestPoolFailedReservationDoesNotMutate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("failed reservations are side-effect free", prop.ForAll(
		func(capacity int, setup []poolOp, probe poolOp) bool {
			hosts := hostList(capacity)
			p, err := New(hosts, testLogger())
			if err != nil {
				return false
			}
			for _, op := range setup {
				apply(p, hosts, op)
			}

			before := p.Snapshot()
			var failed bool
			switch probe.Kind % 2 {
			case 0:
				failed = p.Reserve(pickHosts(hosts, probe.Seed, probe.Count)) != nil
			case 1:
				_, err := p.ReserveAny(probe.Count)
				failed = err != nil
			}
			if !failed {
				return true
			}

			after := p.Snapshot()
			for i := range before {
				if before[i] != after[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(genPoolOp()),
		genPoolOp(),
	))

	properties.TestingRun(t)
}

// Releasing a set of hostnames twice has the same effect as releasing it once.
func TestPoolIdempotentRelease(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("second release changes nothing", prop.ForAll(
		func(capacity int, setup []poolOp, seed, count int) bool {
			hosts := hostList(capacity)
			p, err := New(hosts, testLogger())
			if err != nil {
				return false
			}
			for _, op := range setup {
				apply(p, hosts, op)
			}

			target := pickHosts(hosts, seed, count)
			p.Release(target)
			afterFirst := p.Snapshot()

			if n := p.Release(target); n != 0 {
				return false
			}
			afterSecond := p.Snapshot()
			for i := range afterFirst {
				if afterFirst[i] != afterSecond[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.SliceOf(genPoolOp()),
		gen.IntRange(0, 100),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

// Concurrent ReserveAny calls never hand the same host to two callers.
func TestPoolConcurrentReserveAnyDisjoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("reserved sets are disjoint and bounded by capacity", prop.ForAll(
		func(capacity int, requests []int) bool {
			p, err := New(hostList(capacity), testLogger())
			if err != nil {
				return false
			}

			results := make([][]string, len(requests))
			var wg sync.WaitGroup
			for i, n := range requests {
				wg.Add(1)
				go func(i, n int) {
					defer wg.Done()
					hosts, err := p.ReserveAny(n)
					if err == nil {
						results[i] = hosts
					}
				}(i, n)
			}
			wg.Wait()

			seen := make(map[string]bool)
			for _, hosts := range results {
				for _, h := range hosts {
					if seen[h] {
						return false
					}
					seen[h] = true
				}
			}
			return len(seen) <= capacity && len(seen) == p.BusyCount()
		},
		gen.IntRange(0, 16),
		gen.SliceOf(gen.IntRange(1, 5)),
	))

	properties.TestingRun(t)
}
