package zone

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultSize is the edge length of a zone in world units.
const DefaultSize = 500.0

// Point is a position in world space.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Coord identifies a zone on the grid. Coordinates compare by value.
type Coord struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Key returns the map key used for the zone, e.g. "2,-1".
func (c Coord) Key() string {
	return strconv.Itoa(c.X) + "," + strconv.Itoa(c.Y)
}

func (c Coord) String() string {
	return "(" + c.Key() + ")"
}

// ParseKey reverses Key.
func ParseKey(key string) (Coord, error) {
	xs, ys, ok := strings.Cut(key, ",")
	if !ok {
		return Coord{}, fmt.Errorf("zone key %q: missing separator", key)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return Coord{}, fmt.Errorf("zone key %q: %w", key, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return Coord{}, fmt.Errorf("zone key %q: %w", key, err)
	}
	return Coord{X: x, Y: y}, nil
}

// Ring returns the Chebyshev distance between two zones in grid steps.
func Ring(a, b Coord) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	if dx > dy {
		return dx
	}
	return dy
}

// Bounds is the axis-aligned extent of a zone. Min is inclusive, Max exclusive.
type Bounds struct {
	Min Point
	Max Point
}

// Contains reports whether p lies inside the bounds.
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X < b.Max.X && p.Y >= b.Min.Y && p.Y < b.Max.Y
}

// Grid maps world positions onto fixed-size square zones.
type Grid struct {
	Size float64
}

// NewGrid returns a grid with the given zone size, falling back to DefaultSize.
func NewGrid(size float64) Grid {
	if size <= 0 {
		size = DefaultSize
	}
	return Grid{Size: size}
}

func (g Grid) size() float64 {
	if g.Size <= 0 {
		return DefaultSize
	}
	return g.Size
}

// FromPosition floor-divides each axis by the zone size.
func (g Grid) FromPosition(p Point) Coord {
	s := g.size()
	return Coord{
		X: int(math.Floor(p.X / s)),
		Y: int(math.Floor(p.Y / s)),
	}
}

// Bounds returns the world-space extent of c.
func (g Grid) Bounds(c Coord) Bounds {
	s := g.size()
	min := Point{X: float64(c.X) * s, Y: float64(c.Y) * s}
	return Bounds{
		Min: min,
		Max: Point{X: min.X + s, Y: min.Y + s},
	}
}

// DistanceToZone is zero when p is inside c, otherwise the larger of the
// per-axis distances from p to the zone's extent.
func (g Grid) DistanceToZone(p Point, c Coord) float64 {
	b := g.Bounds(c)
	dx := clampDistance(p.X, b.Min.X, b.Max.X)
	dy := clampDistance(p.Y, b.Min.Y, b.Max.Y)
	return math.Max(dx, dy)
}

// Penetration returns how far p is inside c, measured to the nearest of the
// four borders. Positions outside c yield a negative depth.
func (g Grid) Penetration(p Point, c Coord) float64 {
	b := g.Bounds(c)
	depth := p.X - b.Min.X
	depth = math.Min(depth, b.Max.X-p.X)
	depth = math.Min(depth, p.Y-b.Min.Y)
	depth = math.Min(depth, b.Max.Y-p.Y)
	return depth
}

// NeighborsWithin lists the zones around c (the eight-neighbourhood) whose
// distance from p does not exceed margin. The order is stable: row by row
// from the lowest Y.
func (g Grid) NeighborsWithin(p Point, c Coord, margin float64) []Coord {
	var out []Coord
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := Coord{X: c.X + dx, Y: c.Y + dy}
			if g.DistanceToZone(p, n) <= margin {
				out = append(out, n)
			}
		}
	}
	return out
}

func clampDistance(v, min, max float64) float64 {
	switch {
	case v < min:
		return min - v
	case v > max:
		return v - max
	default:
		return 0
	}
}
