// Package types holds the data model shared across every layer of the
// stack: process addresses and membership.
package types

import "fmt"

// Address identifies a process: host and port, exactly as in §3.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Less gives Address a total order, used to break ties deterministically
// (leader election's "max address", membership sorting).
func (a Address) Less(b Address) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	return a.Port < b.Port
}

// Membership is the static set of processes participating in a run: self
// plus peers. It never changes during a run (§3).
type Membership struct {
	Self    Address
	Peers   []Address
	members []Address // sorted, self ∪ peers, deduplicated
}

// NewMembership builds a Membership from self and a peer list. Peers
// containing self are ignored, matching the Python `set(peers) - {addr}`.
func NewMembership(self Address, peers []Address) Membership {
	m := Membership{Self: self}
	seen := map[Address]bool{self: true}
	for _, p := range peers {
		if p == self || seen[p] {
			continue
		}
		seen[p] = true
		m.Peers = append(m.Peers, p)
	}
	all := append([]Address{self}, m.Peers...)
	SortAddresses(all)
	m.members = all
	return m
}

// Members returns self ∪ peers, sorted.
func (m Membership) Members() []Address {
	out := make([]Address, len(m.members))
	copy(out, m.members)
	return out
}

// N is |Members|.
func (m Membership) N() int {
	return len(m.members)
}

// Majority is the smallest integer count that is a strict majority of N.
func (m Membership) Majority() int {
	return m.N()/2 + 1
}

// Rank is the index of p in the sorted membership list, or -1 if absent.
func (m Membership) Rank(p Address) int {
	for i, q := range m.members {
		if q == p {
			return i
		}
	}
	return -1
}

// ByRank returns the address at the given rank, or the zero Address and
// false if out of range.
func (m Membership) ByRank(rank int) (Address, bool) {
	if rank < 0 || rank >= len(m.members) {
		return Address{}, false
	}
	return m.members[rank], true
}

// SortAddresses sorts in place by (Host, Port).
func SortAddresses(addrs []Address) {
	// insertion sort: membership lists are tiny (cluster sizes), and this
	// keeps the package free of a sort.Slice closure allocation per call.
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && addrs[j].Less(addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
}

// MaxAddress returns the greatest address in a set (used to break leader
// ties).
func MaxAddress(addrs []Address) (Address, bool) {
	if len(addrs) == 0 {
		return Address{}, false
	}
	max := addrs[0]
	for _, a := range addrs[1:] {
		if max.Less(a) {
			max = a
		}
	}
	return max, true
}
