package registry

import (
	"time"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
	"github.com/ghostvm/ghostvm/internal/netstack/dhcp"
)

// SaveDHCPLease persists a dynamic lease so it survives a router restart
// without the address being handed to a different guest, per
// SPEC_FULL.md §3.1.
func (d *DB) SaveDHCPLease(l dhcp.Lease) error {
	_, err := d.db.Exec(`
		INSERT INTO dhcp_leases (mac, ip, hostname, lease_start, lease_duration_seconds)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			ip=excluded.ip, hostname=excluded.hostname,
			lease_start=excluded.lease_start, lease_duration_seconds=excluded.lease_duration_seconds
	`, l.MAC.String(), l.IP.String(), l.Hostname, l.LeaseStart.UTC().Format(time.RFC3339), int64(l.LeaseDuration.Seconds()))
	return err
}

// DeleteDHCPLease removes a lease, e.g. once it has expired and been
// reaped in memory.
func (d *DB) DeleteDHCPLease(mac addr.MAC) error {
	_, err := d.db.Exec(`DELETE FROM dhcp_leases WHERE mac = ?`, mac.String())
	return err
}

// LoadDHCPLeases reads every persisted lease back, for the router to seed
// its in-memory dhcp.Server on restart.
func (d *DB) LoadDHCPLeases() ([]dhcp.Lease, error) {
	rows, err := d.db.Query(`SELECT mac, ip, hostname, lease_start, lease_duration_seconds FROM dhcp_leases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dhcp.Lease
	for rows.Next() {
		var macStr, ipStr, hostname, leaseStart string
		var durationSeconds int64
		if err := rows.Scan(&macStr, &ipStr, &hostname, &leaseStart, &durationSeconds); err != nil {
			return nil, err
		}
		mac, ok := addr.ParseMAC(macStr)
		if !ok {
			continue
		}
		ip, ok := addr.ParseIPv4(ipStr)
		if !ok {
			continue
		}
		start, err := time.Parse(time.RFC3339, leaseStart)
		if err != nil {
			continue
		}
		out = append(out, dhcp.Lease{
			MAC:           mac,
			IP:            ip,
			Hostname:      hostname,
			LeaseStart:    start,
			LeaseDuration: time.Duration(durationSeconds) * time.Second,
		})
	}
	return out, rows.Err()
}
