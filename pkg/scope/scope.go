// Package scope enforces authorized-target restrictions. Module-style
// operations consult it before touching a target; inbound reverse-shell
// connections are operator-initiated and are not gated here.
package scope

import (
	"net/netip"
	"strings"
	"sync"
)

// Checker holds the authorized target set. Reads vastly outnumber writes
// (every module operation checks, targets change rarely), so it uses an
// RWMutex rather than per-entry locking.
type Checker struct {
	mu       sync.RWMutex
	networks []netip.Prefix      // IPs and CIDR ranges
	hosts    map[string]struct{} // exact hostnames
	patterns []string            // wildcard domains, e.g. *.lab.example
}

func NewChecker(targets []string) *Checker {
	c := &Checker{hosts: make(map[string]struct{})}
	for _, t := range targets {
		c.Add(t)
	}
	return c
}

// Add registers a target. Accepted forms:
//   - IP address:  192.168.1.10
//   - CIDR range:  192.168.1.0/24
//   - hostname:    test.example.com
//   - wildcard:    *.example.com
func (c *Checker) Add(target string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if addr, err := netip.ParseAddr(target); err == nil {
		c.networks = append(c.networks, netip.PrefixFrom(addr, addr.BitLen()))
		return
	}
	if prefix, err := netip.ParsePrefix(target); err == nil {
		c.networks = append(c.networks, prefix)
		return
	}
	if strings.Contains(target, "*") {
		c.patterns = append(c.patterns, strings.ToLower(target))
		return
	}
	c.hosts[strings.ToLower(target)] = struct{}{}
}

// Remove drops a target previously added with the same spelling.
func (c *Checker) Remove(target string) {
	target = strings.TrimSpace(target)

	c.mu.Lock()
	defer c.mu.Unlock()

	if addr, err := netip.ParseAddr(target); err == nil {
		c.removeNetwork(netip.PrefixFrom(addr, addr.BitLen()))
		return
	}
	if prefix, err := netip.ParsePrefix(target); err == nil {
		c.removeNetwork(prefix)
		return
	}
	lower := strings.ToLower(target)
	delete(c.hosts, lower)
	for i, p := range c.patterns {
		if p == lower {
			c.patterns = append(c.patterns[:i], c.patterns[i+1:]...)
			return
		}
	}
}

func (c *Checker) removeNetwork(prefix netip.Prefix) {
	for i, n := range c.networks {
		if n == prefix {
			c.networks = append(c.networks[:i], c.networks[i+1:]...)
			return
		}
	}
}

// Replace swaps the whole target set, used by config live-reload.
func (c *Checker) Replace(targets []string) {
	fresh := NewChecker(targets)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.networks = fresh.networks
	c.hosts = fresh.hosts
	c.patterns = fresh.patterns
}

// Empty reports whether no targets are configured at all, which callers
// treat as "no scope declared" rather than "nothing is authorized".
func (c *Checker) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.networks) == 0 && len(c.hosts) == 0 && len(c.patterns) == 0
}

// IsInScope reports whether the target is authorized. IPs match against
// registered addresses and CIDR ranges; names match exact hostnames or
// wildcard patterns.
func (c *Checker) IsInScope(target string) bool {
	target = strings.TrimSpace(target)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if addr, err := netip.ParseAddr(target); err == nil {
		for _, n := range c.networks {
			if n.Contains(addr) {
				return true
			}
		}
		return false
	}

	lower := strings.ToLower(target)
	if _, ok := c.hosts[lower]; ok {
		return true
	}
	for _, pattern := range c.patterns {
		if matchWildcard(pattern, lower) {
			return true
		}
	}
	return false
}

// List returns every registered target in display form.
func (c *Checker) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.networks)+len(c.hosts)+len(c.patterns))
	for _, n := range c.networks {
		if n.IsSingleIP() {
			out = append(out, n.Addr().String())
		} else {
			out = append(out, n.String())
		}
	}
	for h := range c.hosts {
		out = append(out, h)
	}
	out = append(out, c.patterns...)
	return out
}

// matchWildcard supports a single leading "*." label: *.example.com matches
// a.example.com and a.b.example.com but not example.com itself.
func matchWildcard(pattern, name string) bool {
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return pattern == name
	}
	return strings.HasSuffix(name, "."+suffix)
}
