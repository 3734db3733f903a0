package tree

import (
	"testing"
)

const treeFourTaxa = "(A:0.1,B:0.2,(C:0.3,D:0.4):0.5);"

func TestParseNewick(tst *testing.T) {
	t, err := ParseNewickString(treeFourTaxa)
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	if t.NLeaves() != 4 {
		tst.Error("expecting 4 leaves, got", t.NLeaves())
	}
	if t.NNodes() != 6 {
		tst.Error("expecting 6 nodes, got", t.NNodes())
	}
	if t.Root == nil || !t.Root.IsLeaf() || t.Root.Name != "A" {
		tst.Error("root should be leaf A")
	}
	for _, node := range t.Nodes() {
		if !node.IsLeaf() && node.Degree() != 3 {
			tst.Error("internal node of degree", node.Degree())
		}
	}
	// Half-edge symmetry.
	for _, node := range t.Nodes() {
		for _, nei := range node.Neighbors {
			back := nei.Node.FindNeighbor(node)
			if back == nil {
				tst.Fatal("missing reverse half-edge")
			}
			if back.Length != nei.Length {
				tst.Error("length mismatch on half-edge pair")
			}
		}
	}
}

func TestParseNewickRooted(tst *testing.T) {
	// Rooted input: top-level bifurcation collapses into a single
	// edge of summed length.
	t, err := ParseNewickString("((A:0.1,B:0.2):0.25,(C:0.3,D:0.4):0.25);")
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	if t.NLeaves() != 4 || t.NNodes() != 6 {
		tst.Fatal("wrong size after unrooting:", t.NLeaves(), t.NNodes())
	}
	sum := t.TreeLength()
	if sum < 1.5-1e-9 || sum > 1.5+1e-9 {
		tst.Error("tree length should be preserved, got", sum)
	}
}

func TestNewickRoundTrip(tst *testing.T) {
	t, err := ParseNewickString(treeFourTaxa)
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	s := t.String()
	t2, err := ParseNewickString(s)
	if err != nil {
		tst.Fatal("parse error on round trip:", err, s)
	}
	if t2.String() != s {
		tst.Error("round trip not stable:", s, "vs", t2.String())
	}
	if t2.NLeaves() != 4 {
		tst.Error("leaves lost in round trip")
	}
}

func TestParseNewickErrors(tst *testing.T) {
	for _, bad := range []string{
		"(A:0.1,B:0.2;",
		"A:0.1,B:0.2);",
		"(A:0.1,B:0.2);",
		"(A:0.1,B:0.2,C:x);",
	} {
		if _, err := ParseNewickString(bad); err == nil {
			tst.Error("expecting parse error for", bad)
		}
	}
}

func TestCopy(tst *testing.T) {
	t, err := ParseNewickString(treeFourTaxa)
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	t2 := t.Copy()
	if t2.String() != t.String() {
		tst.Error("copy differs:", t.String(), "vs", t2.String())
	}
	// Mutating the copy must not touch the original.
	leaf := t2.Leaves()[0]
	SetLength(leaf, leaf.Neighbors[0].Node, 7)
	if t2.String() == t.String() {
		tst.Error("copy shares edges with original")
	}
}

func TestUpdateNeighbor(tst *testing.T) {
	t, err := ParseNewickString(treeFourTaxa)
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	a := t.Leaves()[0]
	b := t.Leaves()[1]
	center := a.Neighbors[0].Node
	nei := center.FindNeighbor(a)
	nei.Computed = LhComputed | ParsComputed
	center.UpdateNeighbor(a, b, 0.9)
	if nei.Node != b || nei.Length != 0.9 {
		tst.Error("neighbor not updated")
	}
	if nei.Computed != 0 {
		tst.Error("update must invalidate caches")
	}
}

func TestClearReversePartialLh(tst *testing.T) {
	t, err := ParseNewickString(treeFourTaxa)
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	for _, node := range t.Nodes() {
		for _, nei := range node.Neighbors {
			nei.Computed = LhComputed
		}
	}
	a := t.Leaves()[0]
	center := a.Neighbors[0].Node
	// Invalidate everything looking back towards the leaf from
	// behind center.
	center.ClearReversePartialLh(a)
	for _, node := range t.Nodes() {
		for _, nei := range node.Neighbors {
			towardsRoot := false
			Walk(nei.Node, node, func(n, d *Node) {
				if n == a {
					towardsRoot = true
				}
			})
			if towardsRoot && node != a && nei.Computed != 0 {
				tst.Error("cache pointing towards cleared edge still valid")
			}
			if !towardsRoot && nei.Computed == 0 {
				tst.Error("cache pointing away was invalidated")
			}
		}
	}
}

func TestRenumber(tst *testing.T) {
	t, err := ParseNewickString(treeFourTaxa)
	if err != nil {
		tst.Fatal("parse error:", err)
	}
	for i, leaf := range t.Leaves() {
		if leaf.Id != i || leaf.LeafId != i {
			tst.Error("leaf ids must come first:", leaf.Id, leaf.LeafId)
		}
	}
	seen := make(map[int]bool)
	for _, node := range t.Nodes() {
		if seen[node.Id] {
			tst.Error("duplicate node id", node.Id)
		}
		seen[node.Id] = true
		if node.Id < 0 || node.Id >= t.NNodes() {
			tst.Error("node id out of range", node.Id)
		}
	}
}
