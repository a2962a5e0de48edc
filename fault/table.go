package fault

import (
	"fmt"
	"sort"
)

// Entry is one row of a device error table
type Entry struct {
	Kind Kind
	Desc string
}

// Table maps the numeric codes of one instrument family to the taxonomy.
// Tables are built once and never mutated, so they are safe for concurrent use.
type Table struct {
	family  string
	ok      int
	entries map[int]Entry
}

// NewTable creates a table for family.  ok is the code the device reports when
// there is no error; it must not appear in entries.
func NewTable(family string, ok int, entries map[int]Entry) *Table {
	cp := make(map[int]Entry, len(entries))
	for k, v := range entries {
		if k == ok {
			panic(fmt.Sprintf("fault: %s table maps its OK code %d", family, ok))
		}
		cp[k] = v
	}
	return &Table{family: family, ok: ok, entries: cp}
}

// Family returns the family name the table was built for
func (t *Table) Family() string {
	return t.family
}

// OK is the no-error code
func (t *Table) OK() int {
	return t.ok
}

// Lookup returns the entry for code.  Codes not in the table map to Other.
func (t *Table) Lookup(code int) Entry {
	if e, ok := t.entries[code]; ok {
		return e
	}
	return Entry{Kind: Other, Desc: fmt.Sprintf("unknown device error code %d", code)}
}

// Known reports whether code has an explicit entry
func (t *Table) Known(code int) bool {
	_, ok := t.entries[code]
	return ok
}

// Err converts a device code into an error; the OK code yields nil
func (t *Table) Err(code int) error {
	if code == t.ok {
		return nil
	}
	e := t.Lookup(code)
	return &Error{Kind: e.Kind, Code: code, Desc: e.Desc, Family: t.family}
}

// Codes lists every code in the table in ascending order
func (t *Table) Codes() []int {
	out := make([]int, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// CodesOf lists the codes of a given kind in ascending order
func (t *Table) CodesOf(k Kind) []int {
	var out []int
	for _, c := range t.Codes() {
		if t.entries[c].Kind == k {
			out = append(out, c)
		}
	}
	return out
}
