// Package key derives deterministic cache keys from call arguments.
//
// Arguments are canonicalized by content rather than identity: pointers are
// followed, maps are sorted, numeric slices are hashed from their raw
// little-endian buffer, and structs are walked field by field in name order.
// The canonical byte stream is hashed with SHA-256 and hex encoded.
//
//	d := key.NewDeriver()
//	k, err := d.Derive(key.Params{"region": 10000002, "page": 1})
//
// Two calls with equal content produce the same key even when the arguments
// are distinct objects:
//
//	a := []float64{1, 2, 3}
//	b := []float64{1, 2, 3}
//	ka, _ := d.Derive(a)
//	kb, _ := d.Derive(b) // ka == kb
package key

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"strings"
)

// DefaultMaxDepth caps recursion while canonicalizing nested arguments.
const DefaultMaxDepth = 100

// Array is implemented by n-dimensional numeric containers that want to be
// keyed by dtype, shape and raw buffer instead of being walked element-wise.
type Array interface {
	Dtype() string
	Shape() []int
	RawBytes() []byte
}

// Deriver turns call arguments into fingerprints. The zero value uses
// DefaultMaxDepth. A Deriver is safe for concurrent use.
type Deriver struct {
	// MaxDepth is the maximum nesting level; <= 0 means DefaultMaxDepth.
	MaxDepth int
}

// NewDeriver creates a deriver with the default depth limit.
func NewDeriver() *Deriver {
	return &Deriver{MaxDepth: DefaultMaxDepth}
}

// Derive returns the hex SHA-256 of the canonical encoding of args.
func (d *Deriver) Derive(args any) (string, error) {
	canonical, err := d.Canonical(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the canonical byte encoding of v.
func (d *Deriver) Canonical(v any) ([]byte, error) {
	limit := DefaultMaxDepth
	if d != nil && d.MaxDepth > 0 {
		limit = d.MaxDepth
	}

	enc := &encoder{buf: &bytes.Buffer{}, limit: limit, path: []string{"$"}}
	if err := enc.encode(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	return enc.buf.Bytes(), nil
}

// encoder holds the output buffer and the path of the value being encoded,
// the latter only for error messages.
type encoder struct {
	buf   *bytes.Buffer
	limit int
	path  []string
}

func (e *encoder) push(segment string) { e.path = append(e.path, segment) }

func (e *encoder) pop() { e.path = e.path[:len(e.path)-1] }

func (e *encoder) pathString() string { return strings.Join(e.path, "") }
