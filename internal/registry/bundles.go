package registry

import "time"

// BundleRow is one cached row of the bundles table. Never authoritative:
// config.json always wins, and this cache is rebuildable by deleting the
// database file (SPEC_FULL.md §3.1).
type BundleRow struct {
	Path        string
	Name        string
	GuestOS     string
	Installed   bool
	IsSuspended bool
	CPUs        int
	MemoryBytes uint64
	DiskBytes   uint64
	ModifiedAt  time.Time
}

// UpsertBundle writes or replaces the cached row for path.
func (d *DB) UpsertBundle(row BundleRow) error {
	_, err := d.db.Exec(`
		INSERT INTO bundles (path, name, guest_os, installed, is_suspended, cpus, memory_bytes, disk_bytes, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name=excluded.name, guest_os=excluded.guest_os, installed=excluded.installed,
			is_suspended=excluded.is_suspended, cpus=excluded.cpus, memory_bytes=excluded.memory_bytes,
			disk_bytes=excluded.disk_bytes, modified_at=excluded.modified_at
	`, row.Path, row.Name, row.GuestOS, row.Installed, row.IsSuspended, row.CPUs, row.MemoryBytes, row.DiskBytes, row.ModifiedAt.UTC().Format(time.RFC3339))
	return err
}

// RemoveBundle deletes path's cached row, e.g. after moveToTrash.
func (d *DB) RemoveBundle(path string) error {
	_, err := d.db.Exec(`DELETE FROM bundles WHERE path = ?`, path)
	return err
}

// ListBundles returns every cached row, for diagnostics and for warming a
// cold daemon's in-memory index before the first controller.List rebuild.
func (d *DB) ListBundles() ([]BundleRow, error) {
	rows, err := d.db.Query(`SELECT path, name, guest_os, installed, is_suspended, cpus, memory_bytes, disk_bytes, modified_at FROM bundles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BundleRow
	for rows.Next() {
		var r BundleRow
		var modifiedAt string
		if err := rows.Scan(&r.Path, &r.Name, &r.GuestOS, &r.Installed, &r.IsSuspended, &r.CPUs, &r.MemoryBytes, &r.DiskBytes, &modifiedAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, modifiedAt); err == nil {
			r.ModifiedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
