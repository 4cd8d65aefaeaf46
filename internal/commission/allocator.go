package commission

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/cluctl/internal/logging"
	"github.com/muurk/cluctl/internal/transport"
)

// ErrPoolExhausted is returned when no address is left in the pool
var ErrPoolExhausted = errors.New("address pool exhausted")

// Allocator hands out strictly increasing unused IPv4 addresses
type Allocator struct {
	end          netip.Addr
	last         netip.Addr
	used         map[netip.Addr]bool
	allocated    []netip.Addr
	prober       transport.Prober
	probeTimeout time.Duration
	log          *zap.Logger
}

// NewAllocator creates an allocator over (start, end]. start is the floor
// and is never handed out; used addresses are skipped. A nil prober skips
// the collision check.
func NewAllocator(start, end netip.Addr, used []netip.Addr, prober transport.Prober, probeTimeout time.Duration) (*Allocator, error) {
	start, end = start.Unmap(), end.Unmap()
	if !start.Is4() || !end.Is4() {
		return nil, fmt.Errorf("pool %s-%s: addresses must be IPv4", start, end)
	}
	if end.Less(start) {
		return nil, fmt.Errorf("pool %s-%s: end below start", start, end)
	}

	a := &Allocator{
		end:          end,
		last:         start,
		used:         map[netip.Addr]bool{start: true},
		prober:       prober,
		probeTimeout: probeTimeout,
		log:          logging.Named("allocator"),
	}
	for _, ip := range used {
		a.used[ip.Unmap()] = true
	}
	return a, nil
}

// DefaultPoolEnd returns the last host address of start's /24
func DefaultPoolEnd(start netip.Addr) netip.Addr {
	b := start.Unmap().As4()
	b[3] = 254
	return netip.AddrFrom4(b)
}

// Next returns the next free address. Candidates that answer a probe are
// recorded as used and skipped.
func (a *Allocator) Next(ctx context.Context) (netip.Addr, error) {
	for c := a.last.Next(); c.IsValid() && !a.end.Less(c); c = c.Next() {
		if a.used[c] || !isHostAddr(c) {
			continue
		}
		if a.prober != nil {
			up, err := a.prober.Probe(ctx, c, a.probeTimeout)
			if err != nil {
				return netip.Addr{}, fmt.Errorf("probe %s: %w", c, err)
			}
			if up {
				a.log.Debug("address in use", zap.Stringer("ip", c))
				a.used[c] = true
				continue
			}
		}
		a.used[c] = true
		a.last = c
		a.allocated = append(a.allocated, c)
		a.log.Debug("address allocated", zap.Stringer("ip", c))
		return c, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: nothing free up to %s", ErrPoolExhausted, a.end)
}

// MarkUsed excludes ip from future allocations
func (a *Allocator) MarkUsed(ip netip.Addr) {
	a.used[ip.Unmap()] = true
}

// Allocated returns every address handed out so far, in order
func (a *Allocator) Allocated() []netip.Addr {
	return append([]netip.Addr(nil), a.allocated...)
}

func isHostAddr(ip netip.Addr) bool {
	last := ip.As4()[3]
	return last != 0 && last != 255
}
