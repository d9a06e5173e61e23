package zone

import (
	"math"
	"testing"
)

func TestFromPosition(t *testing.T) {
	g := NewGrid(500)
	tests := []struct {
		name string
		pos  Point
		want Coord
	}{
		{name: "origin", pos: Point{0, 0}, want: Coord{0, 0}},
		{name: "inside first zone", pos: Point{499.9, 250}, want: Coord{0, 0}},
		{name: "exact border belongs to next zone", pos: Point{500, 0}, want: Coord{1, 0}},
		{name: "negative floors down", pos: Point{-0.5, -500}, want: Coord{-1, -1}},
		{name: "far negative", pos: Point{-1001, 1499}, want: Coord{-3, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.FromPosition(tt.pos); got != tt.want {
				t.Fatalf("FromPosition(%v) = %v, want %v", tt.pos, got, tt.want)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	g := NewGrid(500)
	b := g.Bounds(Coord{X: -1, Y: 2})
	if b.Min != (Point{-500, 1000}) || b.Max != (Point{0, 1500}) {
		t.Fatalf("unexpected bounds %+v", b)
	}
	if !b.Contains(Point{-500, 1000}) {
		t.Fatalf("expected min corner to be inside")
	}
	if b.Contains(Point{0, 1200}) {
		t.Fatalf("expected max edge to be outside")
	}
}

func TestDistanceToZone(t *testing.T) {
	g := NewGrid(500)
	z := Coord{X: 1, Y: 0}
	if d := g.DistanceToZone(Point{700, 200}, z); d != 0 {
		t.Fatalf("inside distance = %v, want 0", d)
	}
	if d := g.DistanceToZone(Point{450, 200}, z); d != 50 {
		t.Fatalf("west distance = %v, want 50", d)
	}
	if d := g.DistanceToZone(Point{450, -30}, z); d != 50 {
		t.Fatalf("corner distance = %v, want chebyshev 50", d)
	}
	if d := g.DistanceToZone(Point{1100, 200}, z); d != 100 {
		t.Fatalf("east distance = %v, want 100", d)
	}
}

func TestPenetration(t *testing.T) {
	g := NewGrid(500)
	z := Coord{X: 1, Y: 0}
	if d := g.Penetration(Point{501, 250}, z); math.Abs(d-1) > 1e-9 {
		t.Fatalf("penetration = %v, want 1", d)
	}
	if d := g.Penetration(Point{503, 250}, z); math.Abs(d-3) > 1e-9 {
		t.Fatalf("penetration = %v, want 3", d)
	}
	if d := g.Penetration(Point{750, 499}, z); math.Abs(d-1) > 1e-9 {
		t.Fatalf("penetration near top border = %v, want 1", d)
	}
	if d := g.Penetration(Point{490, 250}, z); d >= 0 {
		t.Fatalf("outside penetration should be negative, got %v", d)
	}
}

func TestNeighborsWithin(t *testing.T) {
	g := NewGrid(500)
	center := Coord{0, 0}

	if got := g.NeighborsWithin(Point{250, 250}, center, 100); len(got) != 0 {
		t.Fatalf("expected no neighbours from the centre, got %v", got)
	}

	got := g.NeighborsWithin(Point{460, 250}, center, 100)
	if len(got) != 1 || got[0] != (Coord{1, 0}) {
		t.Fatalf("expected east neighbour only, got %v", got)
	}

	got = g.NeighborsWithin(Point{460, 470}, center, 100)
	want := []Coord{{1, 0}, {0, 1}, {1, 1}}
	if len(got) != len(want) {
		t.Fatalf("corner neighbours = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("corner neighbours = %v, want %v", got, want)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	c := Coord{X: -3, Y: 12}
	if c.Key() != "-3,12" {
		t.Fatalf("unexpected key %q", c.Key())
	}
	parsed, err := ParseKey(c.Key())
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if parsed != c {
		t.Fatalf("parsed %v, want %v", parsed, c)
	}
	if _, err := ParseKey("nope"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}

func TestRing(t *testing.T) {
	if r := Ring(Coord{0, 0}, Coord{2, -1}); r != 2 {
		t.Fatalf("ring = %d, want 2", r)
	}
	if r := Ring(Coord{3, 3}, Coord{3, 3}); r != 0 {
		t.Fatalf("ring = %d, want 0", r)
	}
}
