// Package nat implements the router's outbound/inbound flow table: port
// allocation, TCP state tracking, and idle reaping. Grounded on the
// teacher's router.portProxy allocation-table shape (map + mutex, linear
// search for a free slot) generalized from "one listener per guest port"
// to "one ephemeral mapped port per 5-tuple".
package nat

import (
	"sync"
	"time"
)

// TCPState mirrors spec.md §3's NAT entry TCP state.
type TCPState string

const (
	TCPNew         TCPState = "new"
	TCPSynSent     TCPState = "syn_sent"
	TCPEstablished TCPState = "established"
	TCPFinWait     TCPState = "fin_wait"
	TCPClosed      TCPState = "closed"
)

// Default idle-reap deadlines. spec.md §9 flags these as unspecified in the
// source beyond "idle" and suggests exactly these three values.
const (
	DefaultTCPEstablishedIdle = 2 * time.Hour
	DefaultTCPHalfOpenIdle    = 30 * time.Second
	DefaultUDPIdle            = 60 * time.Second
)

// DefaultEphemeralBase is the first port the allocator tries, per spec.md §4.7.2.
const DefaultEphemeralBase = 10000

const maxPort = 65535

// FiveTuple identifies a flow from the guest's point of view.
type FiveTuple struct {
	Proto  string // "tcp" | "udp" | "icmp"
	SrcIP  string
	SrcPort uint16
	DstIP  string
	DstPort uint16
}

// Entry is a single NAT flow-table row.
type Entry struct {
	Tuple      FiveTuple
	MappedPort uint16
	Created    time.Time
	LastSeen   time.Time
	State      TCPState // only meaningful when Tuple.Proto == "tcp"
}

// Flags mirrors packet.TCPFlags without importing the packet package, so
// nat stays a leaf dependency.
type Flags struct {
	SYN, ACK, FIN, RST bool
}

// Table is the NAT engine. The whole engine is guarded by a single mutex;
// contention is negligible at desktop scale per spec.md §4.7.2.
type Table struct {
	mu       sync.Mutex
	byTuple  map[FiveTuple]*Entry
	byPort   map[uint16]*Entry // mapped port -> entry, for inbound lookup
	nextPort uint16
	base     uint16

	idleTCPEstablished time.Duration
	idleTCPHalfOpen    time.Duration
	idleUDP            time.Duration

	now       func() time.Time
	persister Persister
}

// Persister is the optional crash-recovery hook SPEC_FULL.md §3.1
// describes: a best-effort sink the table calls on every mutation so a
// restarted router can rebuild its NAT state. The in-memory table
// remains authoritative at runtime; Persister errors are never
// propagated to callers of Table's own methods.
type Persister interface {
	SaveEntry(e Entry)
	DeleteEntry(tuple FiveTuple)
	Truncate()
}

// Option configures a Table at construction.
type Option func(*Table)

// WithPersister attaches a Persister. Table.New calls Truncate on it
// immediately, matching SPEC_FULL.md §3.1's "truncated and rebuilt on
// router start".
func WithPersister(p Persister) Option {
	return func(t *Table) { t.persister = p }
}

// WithEphemeralBase overrides DefaultEphemeralBase.
func WithEphemeralBase(base uint16) Option {
	return func(t *Table) { t.base = base }
}

// WithIdleDeadlines overrides the three reap deadlines.
func WithIdleDeadlines(tcpEstablished, tcpHalfOpen, udp time.Duration) Option {
	return func(t *Table) {
		t.idleTCPEstablished = tcpEstablished
		t.idleTCPHalfOpen = tcpHalfOpen
		t.idleUDP = udp
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New creates an empty NAT table.
func New(opts ...Option) *Table {
	t := &Table{
		byTuple:            make(map[FiveTuple]*Entry),
		byPort:             make(map[uint16]*Entry),
		base:               DefaultEphemeralBase,
		idleTCPEstablished: DefaultTCPEstablishedIdle,
		idleTCPHalfOpen:    DefaultTCPHalfOpenIdle,
		idleUDP:            DefaultUDPIdle,
		now:                time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.nextPort = t.base
	if t.persister != nil {
		t.persister.Truncate()
	}
	return t
}

// OutboundMapping returns the existing entry for tuple, allocating a fresh
// mapped port if none exists. Per spec.md's idempotence property, calling
// this twice with the same tuple returns the same mapped port.
func (t *Table) OutboundMapping(tuple FiveTuple) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byTuple[tuple]; ok {
		e.LastSeen = t.now()
		return e, nil
	}

	port, err := t.allocatePortLocked()
	if err != nil {
		return nil, err
	}

	now := t.now()
	e := &Entry{
		Tuple:      tuple,
		MappedPort: port,
		Created:    now,
		LastSeen:   now,
	}
	if tuple.Proto == "tcp" {
		e.State = TCPNew
	}
	t.byTuple[tuple] = e
	t.byPort[port] = e
	if t.persister != nil {
		t.persister.SaveEntry(*e)
	}
	return e, nil
}

// allocatePortLocked finds the next free port >= base, wrapping at 65535.
// Caller must hold t.mu.
func (t *Table) allocatePortLocked() (uint16, error) {
	start := t.nextPort
	for {
		port := t.nextPort
		if _, inUse := t.byPort[port]; !inUse {
			t.advancePortLocked()
			return port, nil
		}
		t.advancePortLocked()
		if t.nextPort == start {
			return 0, ErrPortsExhausted
		}
	}
}

func (t *Table) advancePortLocked() {
	if t.nextPort >= maxPort {
		t.nextPort = t.base
		return
	}
	t.nextPort++
}

// InstallInbound installs a static inbound mapping for a configured
// port-forward: a frame arriving at externalPort is looked up via
// InboundLookup and restored to internalIP:internalPort by the caller's
// rewrite step. Unlike OutboundMapping, the entry is keyed only in
// byPort, not byTuple, so ReapIdle (which walks byTuple) never expires
// it — a port-forward is standing configuration, not a live flow.
func (t *Table) InstallInbound(proto string, externalPort uint16, internalIP string, internalPort uint16) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e := &Entry{
		Tuple: FiveTuple{
			Proto:   proto,
			SrcIP:   internalIP,
			SrcPort: internalPort,
		},
		MappedPort: externalPort,
		Created:    now,
		LastSeen:   now,
	}
	if proto == "tcp" {
		e.State = TCPNew
	}
	t.byPort[externalPort] = e
	if t.persister != nil {
		t.persister.SaveEntry(*e)
	}
	return e
}

// InboundLookup returns the full original tuple for a mapped WAN port, for
// reverse (inbound) rewrite.
func (t *Table) InboundLookup(mappedPort uint16) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byPort[mappedPort]
	return e, ok
}

// UpdateTCPState advances a TCP entry's state machine from observed flags.
// SYN (without ACK) -> syn_sent; ACK while syn_sent -> established;
// FIN -> fin_wait; RST -> closed. No-op if the tuple isn't tracked or isn't
// TCP.
func (t *Table) UpdateTCPState(tuple FiveTuple, flags Flags) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byTuple[tuple]
	if !ok || tuple.Proto != "tcp" {
		return
	}
	e.LastSeen = t.now()

	switch {
	case flags.RST:
		e.State = TCPClosed
	case flags.FIN:
		e.State = TCPFinWait
	case flags.SYN && !flags.ACK:
		e.State = TCPSynSent
	case flags.ACK && e.State == TCPSynSent:
		e.State = TCPEstablished
	}
	if t.persister != nil {
		t.persister.SaveEntry(*e)
	}
}

// RemoveEntry removes tuple unconditionally.
func (t *Table) RemoveEntry(tuple FiveTuple) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(tuple)
}

func (t *Table) removeLocked(tuple FiveTuple) {
	e, ok := t.byTuple[tuple]
	if !ok {
		return
	}
	delete(t.byTuple, tuple)
	delete(t.byPort, e.MappedPort)
	if t.persister != nil {
		t.persister.DeleteEntry(tuple)
	}
}

// Len reports the current number of tracked flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTuple)
}

// Get returns the entry for tuple without allocating, for tests and
// diagnostics.
func (t *Table) Get(tuple FiveTuple) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byTuple[tuple]
	return e, ok
}

// ReapIdle removes entries whose LastSeen exceeds the protocol-specific
// deadline for their state. O(n) over the table, matching spec.md §4.7.2.
func (t *Table) ReapIdle() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	reaped := 0
	for tuple, e := range t.byTuple {
		deadline := t.deadlineFor(e)
		if now.Sub(e.LastSeen) >= deadline {
			delete(t.byTuple, tuple)
			delete(t.byPort, e.MappedPort)
			if t.persister != nil {
				t.persister.DeleteEntry(tuple)
			}
			reaped++
		}
	}
	return reaped
}

func (t *Table) deadlineFor(e *Entry) time.Duration {
	if e.Tuple.Proto != "tcp" {
		return t.idleUDP
	}
	if e.State == TCPEstablished {
		return t.idleTCPEstablished
	}
	return t.idleTCPHalfOpen
}

// Stop clears all table state.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byTuple = make(map[FiveTuple]*Entry)
	t.byPort = make(map[uint16]*Entry)
	t.nextPort = t.base
}

// RunReaper starts a background goroutine that calls ReapIdle on interval
// until the stop channel is closed. Closing stop is the caller's job, and
// only once (router.Router guards its close with sync.Once).
func (t *Table) RunReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.ReapIdle()
			}
		}
	}()
}

// ErrPortsExhausted is returned by OutboundMapping when every ephemeral
// port from base..65535 is already in use.
var ErrPortsExhausted = portsExhaustedError{}

type portsExhaustedError struct{}

func (portsExhaustedError) Error() string { return "nat: ephemeral port range exhausted" }
