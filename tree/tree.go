// Package tree implements an unrooted phylogenetic tree with
// directional half-edges and per-direction computation caches.
package tree

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode"
	"unicode/utf8"
)

type Mode int

const (
	NORMAL Mode = iota
	LENGTH
)

// Cache validity bits on a Neighbor.
const (
	// LhComputed is set when PartialLh/ScaleNum/LhScaleFactor are
	// valid for the subtree behind this half-edge.
	LhComputed uint8 = 1 << iota
	// ParsComputed is set when PartialPars is valid.
	ParsComputed
)

// Neighbor is a directional half-edge from some node towards Node.
// Its caches summarize the subtree on the far side of the edge, as
// seen from the owning node.
type Neighbor struct {
	Node   *Node
	Length float64

	// PartialLh holds nPatterns*nCats*nStates partial likelihoods
	// for the subtree behind this half-edge.
	PartialLh []float64
	// ScaleNum holds a per-pattern count of scaling events; -1
	// marks a leaf row that is never scaled.
	ScaleNum []int16
	// LhScaleFactor accumulates the frequency-weighted logs of all
	// scalings applied below this half-edge.
	LhScaleFactor float64
	// PartialPars holds bit-packed state sets plus a trailing
	// cumulative-score slot.
	PartialPars []uint64
	// Computed is the cache validity bit mask.
	Computed uint8
}

// ClearComputed invalidates both caches of the half-edge.
func (nei *Neighbor) ClearComputed() {
	nei.Computed = 0
	nei.LhScaleFactor = 0
}

// Node is a vertex of an unrooted tree. Leaves have degree one and a
// non-negative LeafId; internal nodes have degree three.
type Node struct {
	Name      string
	Id        int
	LeafId    int
	Neighbors []*Neighbor
}

// NewNode creates a node with no neighbors. LeafId is -1 until the
// node is identified as a leaf.
func NewNode(id int) *Node {
	return &Node{Id: id, LeafId: -1}
}

// IsLeaf tests if the node has at most one neighbor.
func (node *Node) IsLeaf() bool {
	return len(node.Neighbors) <= 1
}

// Degree returns the number of neighbors.
func (node *Node) Degree() int {
	return len(node.Neighbors)
}

// AddNeighbor appends a half-edge from node towards other.
func (node *Node) AddNeighbor(other *Node, length float64) *Neighbor {
	nei := &Neighbor{Node: other, Length: length}
	node.Neighbors = append(node.Neighbors, nei)
	return nei
}

// FindNeighbor returns the half-edge from node towards other, or nil.
func (node *Node) FindNeighbor(other *Node) *Neighbor {
	for _, nei := range node.Neighbors {
		if nei.Node == other {
			return nei
		}
	}
	return nil
}

// FindNeighborIndex returns the position of the half-edge towards
// other, or -1.
func (node *Node) FindNeighborIndex(other *Node) int {
	for i, nei := range node.Neighbors {
		if nei.Node == other {
			return i
		}
	}
	return -1
}

// UpdateNeighbor redirects the half-edge towards oldNode so it points
// to newNode with the given length. The caches of the half-edge are
// invalidated. It returns the updated half-edge.
func (node *Node) UpdateNeighbor(oldNode, newNode *Node, length float64) *Neighbor {
	nei := node.FindNeighbor(oldNode)
	if nei == nil {
		panic("update of missing neighbor")
	}
	nei.Node = newNode
	nei.Length = length
	nei.ClearComputed()
	return nei
}

// UpdateNeighborKeepLength redirects the half-edge towards oldNode to
// newNode keeping the current length.
func (node *Node) UpdateNeighborKeepLength(oldNode, newNode *Node) *Neighbor {
	nei := node.FindNeighbor(oldNode)
	if nei == nil {
		panic("update of missing neighbor")
	}
	nei.Node = newNode
	nei.ClearComputed()
	return nei
}

// ClearReversePartialLh invalidates every half-edge cache pointing
// back towards dad from the subtree behind node. After a change on
// the node-dad edge, all such caches are stale.
func (node *Node) ClearReversePartialLh(dad *Node) {
	if nei := node.FindNeighbor(dad); nei != nil {
		nei.ClearComputed()
	}
	for _, nei := range node.Neighbors {
		if nei.Node != dad {
			nei.Node.ClearReversePartialLh(node)
		}
	}
}

// Tree is an unrooted tree. Root is a leaf used as the starting point
// for traversals and printing.
type Tree struct {
	Root   *Node
	nodes  []*Node
	leaves []*Node
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{}
}

// AddNode registers a node with the tree. Leaves (LeafId >= 0 or a
// non-empty name at registration time) are also appended to the leaf
// list.
func (tree *Tree) AddNode(node *Node) {
	tree.nodes = append(tree.nodes, node)
	if node.LeafId >= 0 {
		tree.leaves = append(tree.leaves, node)
	}
}

// Nodes returns all registered nodes.
func (tree *Tree) Nodes() []*Node {
	return tree.nodes
}

// Leaves returns all leaf nodes.
func (tree *Tree) Leaves() []*Node {
	return tree.leaves
}

// NLeaves returns the number of leaves.
func (tree *Tree) NLeaves() int {
	return len(tree.leaves)
}

// NNodes returns the total number of nodes.
func (tree *Tree) NNodes() int {
	return len(tree.nodes)
}

// NewNode creates, numbers and registers a new internal node.
func (tree *Tree) NewNode() *Node {
	node := NewNode(len(tree.nodes))
	tree.AddNode(node)
	return node
}

// NewLeaf creates, numbers and registers a new leaf.
func (tree *Tree) NewLeaf(name string) *Node {
	node := NewNode(len(tree.nodes))
	node.Name = name
	node.LeafId = len(tree.leaves)
	tree.AddNode(node)
	return node
}

// Connect creates the half-edge pair between a and b.
func Connect(a, b *Node, length float64) {
	a.AddNeighbor(b, length)
	b.AddNeighbor(a, length)
}

// Disconnect removes both half-edges between a and b.
func Disconnect(a, b *Node) {
	for i, nei := range a.Neighbors {
		if nei.Node == b {
			a.Neighbors = append(a.Neighbors[:i], a.Neighbors[i+1:]...)
			break
		}
	}
	for i, nei := range b.Neighbors {
		if nei.Node == a {
			b.Neighbors = append(b.Neighbors[:i], b.Neighbors[i+1:]...)
			break
		}
	}
}

// SetLength sets the length on both half-edges of the a-b edge.
func SetLength(a, b *Node, length float64) {
	a.FindNeighbor(b).Length = length
	b.FindNeighbor(a).Length = length
}

// ClearAllPartial invalidates every half-edge cache in the tree.
func (tree *Tree) ClearAllPartial() {
	for _, node := range tree.nodes {
		for _, nei := range node.Neighbors {
			nei.ClearComputed()
		}
	}
}

// Walk visits every node reachable from node avoiding dad, calling f
// with (node, dad) in preorder.
func Walk(node, dad *Node, f func(node, dad *Node)) {
	f(node, dad)
	for _, nei := range node.Neighbors {
		if nei.Node != dad {
			Walk(nei.Node, node, f)
		}
	}
}

// Renumber reassigns node ids: leaves first in their current order,
// internal nodes after. LeafId is left alone, it belongs to whoever
// attached the leaves.
func (tree *Tree) Renumber() {
	id := 0
	for _, leaf := range tree.leaves {
		leaf.Id = id
		id++
	}
	for _, node := range tree.nodes {
		if node.LeafId < 0 {
			node.Id = id
			id++
		}
	}
}

// Compact drops unregistered-node holes after topology surgery: it
// rebuilds the node and leaf lists from a traversal starting at Root
// and renumbers.
func (tree *Tree) Compact() {
	if tree.Root == nil {
		return
	}
	tree.nodes = tree.nodes[:0]
	tree.leaves = tree.leaves[:0]
	Walk(tree.Root, nil, func(node, dad *Node) {
		tree.nodes = append(tree.nodes, node)
		if node.IsLeaf() {
			tree.leaves = append(tree.leaves, node)
		}
	})
	tree.Renumber()
}

// Copy creates an independent copy of the tree topology and branch
// lengths. Caches are not copied.
func (tree *Tree) Copy() *Tree {
	newTree := New()
	old2new := make(map[*Node]*Node, len(tree.nodes))
	for _, node := range tree.nodes {
		newNode := NewNode(node.Id)
		newNode.Name = node.Name
		newNode.LeafId = node.LeafId
		old2new[node] = newNode
		newTree.AddNode(newNode)
	}
	for _, node := range tree.nodes {
		newNode := old2new[node]
		for _, nei := range node.Neighbors {
			newNode.AddNeighbor(old2new[nei.Node], nei.Length)
		}
	}
	if tree.Root != nil {
		newTree.Root = old2new[tree.Root]
	}
	return newTree
}

// TreeLength returns the sum of all branch lengths.
func (tree *Tree) TreeLength() (sum float64) {
	for _, node := range tree.nodes {
		for _, nei := range node.Neighbors {
			sum += nei.Length
		}
	}
	return sum / 2
}

// String returns the tree in Newick format. Printing starts from the
// internal node adjacent to Root, so the Root leaf appears as the
// first child of the top-level group.
func (tree *Tree) String() string {
	if tree.Root == nil || len(tree.Root.Neighbors) == 0 {
		return ";"
	}
	var buf bytes.Buffer
	center := tree.Root.Neighbors[0].Node
	buf.WriteByte('(')
	writeNewick(&buf, tree.Root, center, tree.Root.Neighbors[0].Length)
	for _, nei := range center.Neighbors {
		if nei.Node != tree.Root {
			buf.WriteByte(',')
			writeNewick(&buf, nei.Node, center, nei.Length)
		}
	}
	buf.WriteString(");")
	return buf.String()
}

func writeNewick(buf *bytes.Buffer, node, dad *Node, length float64) {
	if node.IsLeaf() {
		buf.WriteString(node.Name)
	} else {
		buf.WriteByte('(')
		first := true
		for _, nei := range node.Neighbors {
			if nei.Node == dad {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeNewick(buf, nei.Node, node, nei.Length)
		}
		buf.WriteByte(')')
		// Internal labels carry support values.
		buf.WriteString(node.Name)
	}
	fmt.Fprintf(buf, ":%0.6f", length)
}

func IsSpecial(c rune) bool {
	switch c {
	case '(', ')', ':', ';', ',':
		return true
	}
	return false
}

// NewickSplit is a bufio.SplitFunc tokenizing Newick text into
// punctuation and words.
func NewickSplit(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	// Skip leading spaces; and return 1-char tokens.
	for width := 0; start < len(data); start += width {
		var r rune
		r, width = utf8.DecodeRune(data[start:])
		if IsSpecial(r) {
			return start + width, data[start : start+width], nil
		}
		if !unicode.IsSpace(r) {
			break
		}
	}
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// Scan until space or special character.
	for width, i := 0, start; i < len(data); i += width {
		var r rune
		r, width = utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) || IsSpecial(r) {
			return i, data[start:i], nil
		}
	}
	// If we're at EOF, we have a final, non-empty, non-terminated word. Return it.
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	// Request more data.
	return 0, nil, nil
}

// parseNode is the rooted scaffolding used during parsing; the result
// is rewired into the unrooted representation afterwards.
type parseNode struct {
	name     string
	length   float64
	parent   *parseNode
	children []*parseNode
}

// ParseNewick reads a Newick tree and returns its unrooted form. A
// top-level bifurcation (rooted input) is collapsed by merging the two
// root edges into one. Root is set to the first leaf.
func ParseNewick(rd io.Reader) (*Tree, error) {
	scanner := bufio.NewScanner(rd)
	scanner.Split(NewickSplit)

	root := &parseNode{}
	node := root
	mode := NORMAL
	done := false

	for !done && scanner.Scan() {
		text := scanner.Text()
		switch text {
		case "(":
			sub := &parseNode{parent: node}
			node.children = append(node.children, sub)
			node = sub
		case ",":
			if node.parent == nil {
				return nil, errors.New("top level comma mismatch")
			}
			sub := &parseNode{parent: node.parent}
			node.parent.children = append(node.parent.children, sub)
			node = sub
		case ")":
			if node.parent == nil {
				return nil, errors.New("brackets mismatch")
			}
			node = node.parent
		case ":":
			mode = LENGTH
		case ";":
			done = true
		default:
			if mode == LENGTH {
				l, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, err
				}
				node.length = l
				mode = NORMAL
			} else {
				node.name = text
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if node != root {
		return nil, errors.New("brackets mismatch")
	}
	// The top-level group is root itself: "(" opened its first member
	// and "," appended the siblings.
	top := root
	// Collapse a rooted input: merge the two edges below the root
	// into a single edge between its children. The internal child
	// absorbs the other.
	if len(top.children) == 2 {
		a, b := top.children[0], top.children[1]
		if len(a.children) == 0 {
			a, b = b, a
		}
		if len(a.children) == 0 {
			return nil, errors.New("tree must have at least three leaves")
		}
		b.length += a.length
		a.length = 0
		a.children = append(a.children, b)
		b.parent = a
		top = a
		top.parent = nil
	}

	tree := New()
	var build func(pn *parseNode) *Node
	build = func(pn *parseNode) *Node {
		var n *Node
		if len(pn.children) == 0 {
			n = tree.NewLeaf(pn.name)
		} else {
			n = tree.NewNode()
		}
		for _, child := range pn.children {
			cn := build(child)
			Connect(n, cn, child.length)
		}
		return n
	}
	build(top)

	if tree.NLeaves() < 3 {
		return nil, errors.New("tree must have at least three leaves")
	}
	for _, node := range tree.nodes {
		if !node.IsLeaf() && node.Degree() != 3 {
			return nil, fmt.Errorf("internal node of degree %d, expecting a binary tree", node.Degree())
		}
	}
	tree.Root = tree.leaves[0]
	tree.Renumber()
	return tree, nil
}

// ParseNewickString parses a Newick tree from a string.
func ParseNewickString(s string) (*Tree, error) {
	return ParseNewick(bytes.NewBufferString(s))
}
