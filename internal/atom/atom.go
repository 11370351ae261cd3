// Package atom interns (addr, port) tuples into a single comparable value
// type shared by every host cache, so repeated admissions of the same host
// do not grow distinct representations. See spec glossary "Atom".
package atom

import "fmt"

// Host identifies a Gnutella peer by address and port. Port may be zero in
// address-only classes (the bad-host buckets).
type Host struct {
	Addr string
	Port uint16
}

func (h Host) String() string {
	if h.Port == 0 {
		return h.Addr
	}
	return fmt.Sprintf("%s:%d", h.Addr, h.Port)
}

// Table interns Host values. A zero Table is usable; it exists only to make
// the intent of "intern, don't allocate twice" explicit at call sites -
// Host is a small value type so interning is free in Go, but the Table
// keeps the single process-wide arena described in the design notes
// ("Cyclic references... both live in a per-core arena").
type Table struct {
	hosts map[Host]Host
}

// NewTable returns an empty intern table.
func NewTable() *Table {
	return &Table{hosts: make(map[Host]Host)}
}

// Intern returns the canonical Host value for addr/port.
func (t *Table) Intern(addr string, port uint16) Host {
	h := Host{Addr: addr, Port: port}
	if t.hosts == nil {
		t.hosts = make(map[Host]Host)
	}
	if existing, ok := t.hosts[h]; ok {
		return existing
	}
	t.hosts[h] = h
	return h
}

// Forget drops h from the intern table. Safe to call even if h was never
// interned.
func (t *Table) Forget(h Host) {
	delete(t.hosts, h)
}

// Len reports how many distinct hosts are currently interned.
func (t *Table) Len() int {
	return len(t.hosts)
}
