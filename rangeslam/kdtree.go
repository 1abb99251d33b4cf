package rangeslam

import (
	"sort"

	"github.com/paulmach/orb"
)

// KDTree2D is a static 2D kd-tree over a caller-owned point slice. It is
// built once from a snapshot of indices and never mutated; it stores
// indices into the original slice rather than copying points.
type KDTree2D struct {
	points []orb.Point
	root   *kdNode
}

type kdNode struct {
	index       int
	left, right *kdNode
}

// NewKDTree2D builds a kd-tree over points. The tree retains the slice
// (not a copy) and assumes it is not mutated for the tree's lifetime.
func NewKDTree2D(points []orb.Point) *KDTree2D {
	t := &KDTree2D{points: points}
	if len(points) == 0 {
		return t
	}
	indices := make([]int, len(points))
	for i := range indices {
		indices[i] = i
	}
	t.root = t.build(indices, 0)
	return t
}

func (t *KDTree2D) build(indices []int, depth int) *kdNode {
	if len(indices) == 0 {
		return nil
	}
	axis := depth % 2
	sort.Slice(indices, func(i, j int) bool {
		return axisValue(t.points[indices[i]], axis) < axisValue(t.points[indices[j]], axis)
	})
	mid := len(indices) / 2
	node := &kdNode{index: indices[mid]}
	node.left = t.build(indices[:mid], depth+1)
	node.right = t.build(indices[mid+1:], depth+1)
	return node
}

func axisValue(p orb.Point, axis int) float64 {
	if axis == 0 {
		return p.X()
	}
	return p.Y()
}

// NearestIndex returns the index (into the slice the tree was built from)
// of the point nearest to query, or ok=false if the tree is empty. Ties
// (multiple points at the same minimal distance) are broken in favour of
// the smallest index, matching a linear scan over the same points.
func (t *KDTree2D) NearestIndex(query orb.Point) (index int, ok bool) {
	if t.root == nil {
		return 0, false
	}
	best := -1
	bestDist := 0.0
	t.search(t.root, query, 0, &best, &bestDist)
	return best, true
}

func (t *KDTree2D) search(node *kdNode, query orb.Point, depth int, best *int, bestDist *float64) {
	if node == nil {
		return
	}

	d := sqDist(t.points[node.index], query)
	if *best == -1 || d < *bestDist || (d == *bestDist && node.index < *best) {
		*best = node.index
		*bestDist = d
	}

	axis := depth % 2
	qv := axisValue(query, axis)
	pv := axisValue(t.points[node.index], axis)

	near, far := node.left, node.right
	if qv > pv {
		near, far = node.right, node.left
	}

	t.search(near, query, depth+1, best, bestDist)

	diff := qv - pv
	if diff*diff <= *bestDist {
		t.search(far, query, depth+1, best, bestDist)
	}
}

func sqDist(a, b orb.Point) float64 {
	dx := a.X() - b.X()
	dy := a.Y() - b.Y()
	return dx*dx + dy*dy
}
