package rangeslam

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// NodeEstimate is a pose-graph node's current optimised pose.
type NodeEstimate struct {
	ID   int
	Pose Pose2D
}

// BinaryFactor is a relative-pose constraint between two nodes.
type BinaryFactor struct {
	FromID, ToID int
	Delta        Pose2D
	Covariance   float64
}

type unaryFactor struct {
	nodeID     int
	pose       Pose2D
	covariance float64
}

// GraphBackend is the abstract pose-graph back-end collaborator. Slam talks
// to this interface only; Graph is the bundled default implementation, but
// any type satisfying this interface (including a hand-rolled test double)
// can be injected instead.
type GraphBackend interface {
	EnsureNode(id int)
	AddPoseAnchor(id int, pose Pose2D, covariance float64)
	AddRelativeConstraint(fromID, toID int, delta Pose2D, covariance float64)
	RemoveNode(id int)
	Clear()
	Nodes() []NodeEstimate
	Factors() []BinaryFactor
	Optimize() error
}

// Graph is a sparse pose-graph store with a small dense Gauss-Newton
// optimiser. Nodes are created on first reference (EnsureNode,
// AddPoseAnchor, or AddRelativeConstraint); RemoveNode tombstones a node
// in place, leaving a nil slot rather than shifting ids.
type Graph struct {
	nodes  []*Pose2D // nil slot = tombstoned / never created
	unary  []unaryFactor
	binary []BinaryFactor

	gaussNewtonIterations int
}

// NewGraph returns an empty pose graph. gaussNewtonIterations controls how
// many linearised passes Optimize runs; callers that don't care can use
// NewDefaultGraph.
func NewGraph(gaussNewtonIterations int) *Graph {
	return &Graph{gaussNewtonIterations: gaussNewtonIterations}
}

// NewDefaultGraph returns a Graph with a small fixed optimiser budget.
func NewDefaultGraph() *Graph {
	return NewGraph(5)
}

// EnsureNode creates node id (at the identity pose) if it does not already
// exist or was tombstoned.
func (g *Graph) EnsureNode(id int) {
	g.growTo(id)
	if g.nodes[id] == nil {
		p := Identity2D()
		g.nodes[id] = &p
	}
}

func (g *Graph) growTo(id int) {
	if id < len(g.nodes) {
		return
	}
	g.nodes = append(g.nodes, make([]*Pose2D, id+1-len(g.nodes))...)
}

// AddPoseAnchor pins node id to pose with the given covariance. A
// non-positive covariance is silently replaced with 1.0.
func (g *Graph) AddPoseAnchor(id int, pose Pose2D, covariance float64) {
	g.EnsureNode(id)
	*g.nodes[id] = pose
	g.unary = append(g.unary, unaryFactor{
		nodeID:     id,
		pose:       pose,
		covariance: sanitizeCovariance(covariance),
	})
}

// AddRelativeConstraint adds a binary factor constraining toID's pose
// relative to fromID's. A non-positive covariance is silently replaced
// with 1.0.
func (g *Graph) AddRelativeConstraint(fromID, toID int, delta Pose2D, covariance float64) {
	g.EnsureNode(fromID)
	g.EnsureNode(toID)
	g.binary = append(g.binary, BinaryFactor{
		FromID:     fromID,
		ToID:       toID,
		Delta:      delta,
		Covariance: sanitizeCovariance(covariance),
	})
}

func sanitizeCovariance(cov float64) float64 {
	if cov <= 0 {
		return 1.0
	}
	return cov
}

// RemoveNode tombstones node id. Factors referencing it remain in the
// factor list but are skipped by Optimize.
func (g *Graph) RemoveNode(id int) {
	if id >= 0 && id < len(g.nodes) {
		g.nodes[id] = nil
	}
}

// Clear discards every node and factor.
func (g *Graph) Clear() {
	g.nodes = nil
	g.unary = nil
	g.binary = nil
}

// Nodes enumerates the live (non-tombstoned) nodes and their current
// poses.
func (g *Graph) Nodes() []NodeEstimate {
	out := make([]NodeEstimate, 0, len(g.nodes))
	for id, p := range g.nodes {
		if p == nil {
			continue
		}
		out = append(out, NodeEstimate{ID: id, Pose: *p})
	}
	return out
}

// Factors enumerates the binary (relative-pose) factors only, per the
// interface contract — unary anchors are an internal bookkeeping detail.
func (g *Graph) Factors() []BinaryFactor {
	out := make([]BinaryFactor, 0, len(g.binary))
	for _, f := range g.binary {
		if g.isLive(f.FromID) && g.isLive(f.ToID) {
			out = append(out, f)
		}
	}
	return out
}

func (g *Graph) isLive(id int) bool {
	return id >= 0 && id < len(g.nodes) && g.nodes[id] != nil
}

// Optimize runs a small number of Gauss-Newton passes over the current
// factor set, updating every live node's pose in place. It is a no-op on
// an empty graph. This is intentionally a minimal solver: the spec this
// module implements treats pose-graph optimisation as an external
// collaborator's responsibility, so Optimize exists to keep the bundled
// Graph usable standalone, not to be a production-grade SLAM back-end.
func (g *Graph) Optimize() error {
	liveIDs := make([]int, 0, len(g.nodes))
	index := make(map[int]int, len(g.nodes))
	for id, p := range g.nodes {
		if p == nil {
			continue
		}
		index[id] = len(liveIDs)
		liveIDs = append(liveIDs, id)
	}
	n := len(liveIDs)
	if n == 0 {
		return nil
	}
	dim := 3 * n

	for iter := 0; iter < g.gaussNewtonIterations; iter++ {
		jtj := mat.NewDense(dim, dim, nil)
		jtr := mat.NewVecDense(dim, nil)

		addUnary := func(f unaryFactor) {
			col, ok := index[f.nodeID]
			if !ok {
				return
			}
			p := *g.nodes[f.nodeID]
			r := [3]float64{p.X - f.pose.X, p.Y - f.pose.Y, normalizeAngle(p.Theta - f.pose.Theta)}
			w := f.covariance
			base := 3 * col
			for a := 0; a < 3; a++ {
				jtr.SetVec(base+a, jtr.AtVec(base+a)+w*r[a])
				jtj.Set(base+a, base+a, jtj.At(base+a, base+a)+w)
			}
		}

		addBinary := func(f BinaryFactor) {
			fromCol, okFrom := index[f.FromID]
			toCol, okTo := index[f.ToID]
			if !okFrom || !okTo {
				return
			}
			pi := *g.nodes[f.FromID]
			pj := *g.nodes[f.ToID]
			actual := pi.Inverse().Add(pj)
			r := [3]float64{
				actual.X - f.Delta.X,
				actual.Y - f.Delta.Y,
				normalizeAngle(actual.Theta - f.Delta.Theta),
			}
			w := f.Covariance
			fromBase, toBase := 3*fromCol, 3*toCol
			for a := 0; a < 3; a++ {
				jtr.SetVec(toBase+a, jtr.AtVec(toBase+a)+w*r[a])
				jtr.SetVec(fromBase+a, jtr.AtVec(fromBase+a)-w*r[a])
				jtj.Set(toBase+a, toBase+a, jtj.At(toBase+a, toBase+a)+w)
				jtj.Set(fromBase+a, fromBase+a, jtj.At(fromBase+a, fromBase+a)+w)
			}
		}

		for _, f := range g.unary {
			addUnary(f)
		}
		for _, f := range g.binary {
			addBinary(f)
		}

		// Damp the diagonal slightly so an under-constrained graph
		// (e.g. a single anchored node with no relative factors)
		// still has a well-posed normal equation.
		for i := 0; i < dim; i++ {
			jtj.Set(i, i, jtj.At(i, i)+1e-9)
		}

		var dx mat.VecDense
		if err := dx.SolveVec(jtj, jtr); err != nil {
			return err
		}

		maxStep := 0.0
		for col, id := range liveIDs {
			base := 3 * col
			p := g.nodes[id]
			p.X -= dx.AtVec(base)
			p.Y -= dx.AtVec(base + 1)
			p.Theta = normalizeAngle(p.Theta - dx.AtVec(base+2))
			maxStep = math.Max(maxStep, math.Abs(dx.AtVec(base))+math.Abs(dx.AtVec(base+1))+math.Abs(dx.AtVec(base+2)))
		}
		if maxStep < 1e-9 {
			break
		}
	}
	return nil
}
