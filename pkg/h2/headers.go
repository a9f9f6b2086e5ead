package h2

import (
	"strconv"
	"strings"
)

const (
	_pseudoMethod    = ":method"
	_pseudoScheme    = ":scheme"
	_pseudoAuthority = ":authority"
	_pseudoPath      = ":path"
	_pseudoStatus    = ":status"
)

// HeaderField is one name/value pair of a header block. Field names are
// expected in their wire form (lowercase); pseudo-header names begin with a
// colon.
type HeaderField struct {
	Name  string
	Value string
}

// IsPseudo reports whether the field is a protocol pseudo-header.
func (f HeaderField) IsPseudo() bool {
	return len(f.Name) > 0 && f.Name[0] == ':'
}

// Headers is an ordered header block. Insertion order is preserved end to
// end and duplicate names are legal.
type Headers []HeaderField

// Add appends a field, keeping wire order.
func (hs *Headers) Add(name, value string) {
	*hs = append(*hs, HeaderField{Name: name, Value: value})
}

// Get returns the value of the first field named name and whether one was
// present. Lookup is case-insensitive to tolerate hand-built blocks.
func (hs Headers) Get(name string) (string, bool) {
	for _, f := range hs {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Method returns the :method pseudo-header, or "".
func (hs Headers) Method() string {
	v, _ := hs.Get(_pseudoMethod)
	return v
}

// Scheme returns the :scheme pseudo-header, or "".
func (hs Headers) Scheme() string {
	v, _ := hs.Get(_pseudoScheme)
	return v
}

// Authority returns the :authority pseudo-header, or "".
func (hs Headers) Authority() string {
	v, _ := hs.Get(_pseudoAuthority)
	return v
}

// Path returns the :path pseudo-header, or "".
func (hs Headers) Path() string {
	v, _ := hs.Get(_pseudoPath)
	return v
}

// Status returns the :status pseudo-header parsed as an integer, or 0 when
// absent or malformed.
func (hs Headers) Status() int {
	v, ok := hs.Get(_pseudoStatus)
	if !ok {
		return 0
	}
	code, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return code
}
