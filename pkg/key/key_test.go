package key

import (
	"errors"
	"testing"
	"time"
)

type point struct {
	X, Y int
}

type coord struct {
	x, y int
}

type window struct {
	from, to time.Time
	tags     []string
	origin   *coord
}

type request struct {
	Region int64
	Page   int
	Client *struct{ Name string } `memo:"-"`
	Alias  string                 `memo:"name"`
	hidden string
}

type matrix struct {
	dtype string
	shape []int
	data  []byte
}

func (m matrix) Dtype() string    { return m.dtype }
func (m matrix) Shape() []int     { return m.shape }
func (m matrix) RawBytes() []byte { return m.data }

type node struct {
	Next *node
}

func mustDerive(t *testing.T, d *Deriver, v any) string {
	t.Helper()
	k, err := d.Derive(v)
	if err != nil {
		t.Fatalf("Derive(%#v) error = %v", v, err)
	}
	return k
}

func TestDerive_EqualContent(t *testing.T) {
	d := NewDeriver()

	tests := []struct {
		name string
		a, b any
	}{
		{"numeric slices", []float64{1, 2, 3}, []float64{1, 2, 3}},
		{"byte slices", []byte("abc"), []byte("abc")},
		{"maps in any order", map[string]int{"a": 1, "b": 2, "c": 3}, map[string]int{"c": 3, "b": 2, "a": 1}},
		{"sets", map[int]struct{}{3: {}, 1: {}, 2: {}}, map[int]struct{}{1: {}, 2: {}, 3: {}}},
		{"pointers by content", &point{1, 2}, &point{1, 2}},
		{"params", Params{"x": 1, "y": "z"}, Params{"y": "z", "x": 1}},
		{"nested", []any{map[string]any{"k": []int{1}}}, []any{map[string]any{"k": []int{1}}}},
		{"ignored field", request{Region: 1, Client: &struct{ Name string }{"a"}}, request{Region: 1, Client: &struct{ Name string }{"b"}}},
		{"unexported fields", coord{1, 2}, coord{1, 2}},
		{"unexported nested fields",
			window{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), []string{"a"}, &coord{1, 2}},
			window{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), []string{"a"}, &coord{1, 2}}},
		{"arrays", matrix{"f8", []int{2, 2}, []byte{1, 2, 3, 4}}, matrix{"f8", []int{2, 2}, []byte{1, 2, 3, 4}}},
		{"time", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"nil slice and empty slice", []int(nil), []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := mustDerive(t, d, tt.a)
			kb := mustDerive(t, d, tt.b)
			if ka != kb {
				t.Errorf("keys differ for equal content: %s != %s", ka, kb)
			}
		})
	}
}

func TestDerive_DifferentContent(t *testing.T) {
	d := NewDeriver()

	tests := []struct {
		name string
		a, b any
	}{
		{"ints", 1, 2},
		{"int vs string", 1, "1"},
		{"string boundaries", []string{"ab", "c"}, []string{"a", "bc"}},
		{"slice order", []int{1, 2}, []int{2, 1}},
		{"numeric dtype", []int32{1}, []int64{1}},
		{"array shape", matrix{"f8", []int{1, 4}, []byte{1, 2, 3, 4}}, matrix{"f8", []int{2, 2}, []byte{1, 2, 3, 4}}},
		{"map values", map[string]int{"a": 1}, map[string]int{"a": 2}},
		{"renamed field", request{Alias: "x"}, request{Alias: "y"}},
		{"nil vs empty string", nil, ""},
		{"struct types", point{1, 2}, struct{ X, Y int }{1, 2}},
		{"float vs int", 1.0, 1},
		{"unexported field", request{Region: 1, hidden: "a"}, request{Region: 1, hidden: "b"}},
		{"unexported fields", coord{1, 2}, coord{3, 4}},
		{"unexported field order", coord{1, 2}, coord{2, 1}},
		{"unexported time", window{from: time.Unix(1, 0).UTC()}, window{from: time.Unix(2, 0).UTC()}},
		{"unexported pointer", window{origin: &coord{1, 2}}, window{origin: &coord{1, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if mustDerive(t, d, tt.a) == mustDerive(t, d, tt.b) {
				t.Errorf("keys collide for %#v and %#v", tt.a, tt.b)
			}
		})
	}
}

func TestDerive_MixedKeyMap(t *testing.T) {
	d := NewDeriver()

	a := map[any]int{"x": 1, 2: 2, 3.5: 3, nil: 4}
	b := map[any]int{nil: 4, 3.5: 3, 2: 2, "x": 1}

	for i := 0; i < 20; i++ {
		if mustDerive(t, d, a) != mustDerive(t, d, b) {
			t.Fatal("mixed-type map keys are not ordered deterministically")
		}
	}
}

func TestDerive_Format(t *testing.T) {
	k := mustDerive(t, NewDeriver(), Params{"n": 5})
	if len(k) != 64 {
		t.Errorf("len(key) = %d, want 64", len(k))
	}
}

func TestDerive_DepthExceeded(t *testing.T) {
	d := &Deriver{MaxDepth: 10}

	var nested any = 1
	for i := 0; i < 20; i++ {
		nested = []any{nested}
	}

	_, err := d.Derive(nested)
	if !errors.Is(err, ErrRecursionDepthExceeded) {
		t.Fatalf("Derive() error = %v, want ErrRecursionDepthExceeded", err)
	}

	var depthErr *DepthError
	if !errors.As(err, &depthErr) {
		t.Fatalf("error is not a *DepthError: %T", err)
	}
	if depthErr.Limit != 10 {
		t.Errorf("Limit = %d, want 10", depthErr.Limit)
	}
}

func TestDerive_WithinDepth(t *testing.T) {
	var nested any = 1
	for i := 0; i < 50; i++ {
		nested = []any{nested}
	}
	if _, err := NewDeriver().Derive(nested); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
}

func TestDerive_Cycle(t *testing.T) {
	n := &node{}
	n.Next = n

	_, err := NewDeriver().Derive(n)
	if !errors.Is(err, ErrRecursionDepthExceeded) {
		t.Fatalf("Derive(cycle) error = %v, want ErrRecursionDepthExceeded", err)
	}
}

func TestDerive_Unsupported(t *testing.T) {
	_, err := NewDeriver().Derive(Params{"fn": func() {}})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("Derive(func) error = %v, want ErrUnsupportedType", err)
	}
}

func TestDerive_ZeroValueDeriver(t *testing.T) {
	var d Deriver
	if _, err := d.Derive([]int{1, 2}); err != nil {
		t.Fatalf("zero Deriver error = %v", err)
	}
}
