package registry

import (
	"time"

	"github.com/ghostvm/ghostvm/internal/netstack/nat"
)

// NATPersister adapts *DB to nat.Persister: a best-effort crash-recovery
// sink for the NAT engine's flow table (SPEC_FULL.md §3.1). The in-memory
// nat.Table remains authoritative at runtime; write failures here are
// swallowed rather than propagated, matching the "best-effort" framing.
type NATPersister struct {
	db *DB
}

// NewNATPersister wraps db as a nat.Persister.
func NewNATPersister(db *DB) *NATPersister { return &NATPersister{db: db} }

var _ nat.Persister = (*NATPersister)(nil)

func (p *NATPersister) SaveEntry(e nat.Entry) {
	p.db.db.Exec(`
		INSERT INTO nat_leases (proto, src_ip, src_port, dst_ip, dst_port, mapped_port, state, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(proto, src_ip, src_port, dst_ip, dst_port) DO UPDATE SET
			mapped_port=excluded.mapped_port, state=excluded.state, last_seen=excluded.last_seen
	`, e.Tuple.Proto, e.Tuple.SrcIP, e.Tuple.SrcPort, e.Tuple.DstIP, e.Tuple.DstPort,
		e.MappedPort, string(e.State), e.LastSeen.UTC().Format(time.RFC3339))
}

func (p *NATPersister) DeleteEntry(t nat.FiveTuple) {
	p.db.db.Exec(`
		DELETE FROM nat_leases WHERE proto = ? AND src_ip = ? AND src_port = ? AND dst_ip = ? AND dst_port = ?
	`, t.Proto, t.SrcIP, t.SrcPort, t.DstIP, t.DstPort)
}

func (p *NATPersister) Truncate() {
	p.db.db.Exec(`DELETE FROM nat_leases`)
}
