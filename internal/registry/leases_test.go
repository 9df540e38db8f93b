package registry

import (
	"testing"
	"time"

	"github.com/ghostvm/ghostvm/internal/netstack/addr"
	"github.com/ghostvm/ghostvm/internal/netstack/dhcp"
	"github.com/ghostvm/ghostvm/internal/netstack/nat"
)

func mustMAC(t *testing.T, s string) addr.MAC {
	t.Helper()
	m, ok := addr.ParseMAC(s)
	if !ok {
		t.Fatalf("bad test MAC: %s", s)
	}
	return m
}

func mustIP(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, ok := addr.ParseIPv4(s)
	if !ok {
		t.Fatalf("bad test IP: %s", s)
	}
	return ip
}

func TestSaveAndLoadDHCPLease(t *testing.T) {
	db := testDB(t)
	mac := mustMAC(t, "02:00:00:00:00:01")
	lease := dhcp.Lease{
		MAC: mac, IP: mustIP(t, "192.168.64.10"), Hostname: "guest1",
		LeaseStart: time.Now().Truncate(time.Second), LeaseDuration: time.Hour,
	}
	if err := db.SaveDHCPLease(lease); err != nil {
		t.Fatalf("SaveDHCPLease() = %v", err)
	}

	leases, err := db.LoadDHCPLeases()
	if err != nil {
		t.Fatalf("LoadDHCPLeases() = %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("LoadDHCPLeases() = %d, want 1", len(leases))
	}
	if leases[0].MAC != mac || leases[0].IP != lease.IP || leases[0].Hostname != "guest1" {
		t.Errorf("LoadDHCPLeases()[0] = %+v, want the saved lease", leases[0])
	}
}

func TestSaveDHCPLease_UpsertByMAC(t *testing.T) {
	db := testDB(t)
	mac := mustMAC(t, "02:00:00:00:00:01")
	lease := dhcp.Lease{MAC: mac, IP: mustIP(t, "192.168.64.10"), LeaseStart: time.Now(), LeaseDuration: time.Hour}
	if err := db.SaveDHCPLease(lease); err != nil {
		t.Fatalf("SaveDHCPLease() = %v", err)
	}
	lease.IP = mustIP(t, "192.168.64.20")
	if err := db.SaveDHCPLease(lease); err != nil {
		t.Fatalf("SaveDHCPLease() update = %v", err)
	}

	leases, err := db.LoadDHCPLeases()
	if err != nil {
		t.Fatalf("LoadDHCPLeases() = %v", err)
	}
	if len(leases) != 1 || leases[0].IP != mustIP(t, "192.168.64.20") {
		t.Errorf("LoadDHCPLeases() = %+v, want a single updated lease", leases)
	}
}

func TestDeleteDHCPLease(t *testing.T) {
	db := testDB(t)
	mac := mustMAC(t, "02:00:00:00:00:01")
	db.SaveDHCPLease(dhcp.Lease{MAC: mac, IP: mustIP(t, "192.168.64.10"), LeaseStart: time.Now(), LeaseDuration: time.Hour})

	if err := db.DeleteDHCPLease(mac); err != nil {
		t.Fatalf("DeleteDHCPLease() = %v", err)
	}
	leases, err := db.LoadDHCPLeases()
	if err != nil {
		t.Fatalf("LoadDHCPLeases() = %v", err)
	}
	if len(leases) != 0 {
		t.Errorf("LoadDHCPLeases() = %v, want empty after delete", leases)
	}
}

func testTuple() nat.FiveTuple {
	return nat.FiveTuple{Proto: "tcp", SrcIP: "192.168.64.10", SrcPort: 50000, DstIP: "93.184.216.34", DstPort: 443}
}

func TestNATPersister_SaveThenTruncate(t *testing.T) {
	db := testDB(t)
	p := NewNATPersister(db)

	entry := nat.Entry{Tuple: testTuple(), MappedPort: 41000, State: nat.TCPEstablished, LastSeen: time.Now()}
	p.SaveEntry(entry)

	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM nat_leases`).Scan(&count); err != nil {
		t.Fatalf("count query = %v", err)
	}
	if count != 1 {
		t.Fatalf("nat_leases rows = %d, want 1", count)
	}

	p.Truncate()
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM nat_leases`).Scan(&count); err != nil {
		t.Fatalf("count query after truncate = %v", err)
	}
	if count != 0 {
		t.Errorf("nat_leases rows after Truncate() = %d, want 0", count)
	}
}

func TestNATPersister_DeleteEntry(t *testing.T) {
	db := testDB(t)
	p := NewNATPersister(db)
	tp := testTuple()
	p.SaveEntry(nat.Entry{Tuple: tp, MappedPort: 41000, State: nat.TCPNew, LastSeen: time.Now()})

	p.DeleteEntry(tp)

	var count int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM nat_leases`).Scan(&count); err != nil {
		t.Fatalf("count query = %v", err)
	}
	if count != 0 {
		t.Errorf("nat_leases rows after DeleteEntry() = %d, want 0", count)
	}
}
