// plotlh plots the log-likelihood profile of one branch of a tree:
// the branch length is swept over a range while everything else is
// kept fixed.
package main

import (
	"flag"
	"fmt"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/bio"
	"bitbucket.org/Davydov/goiqp/model"
	"bitbucket.org/Davydov/goiqp/phylo"
	"bitbucket.org/Davydov/goiqp/tree"
)

func fatal(v ...interface{}) {
	fmt.Fprintln(os.Stderr, v...)
	os.Exit(1)
}

func main() {
	alnFN := flag.String("aln", "", "alignment in FASTA format")
	treeFN := flag.String("tree", "", "tree in Newick format")
	taxon := flag.String("taxon", "", "plot the terminal branch of this taxon (root leaf by default)")
	min := flag.Float64("min", phylo.MinBranchLen, "minimal branch length")
	max := flag.Float64("max", 2, "maximal branch length")
	n := flag.Int("n", 100, "number of points")
	alpha := flag.Float64("alpha", 0, "gamma shape parameter (0 for no rate variation)")
	ncat := flag.Int("ncat", 4, "number of gamma rate categories")
	out := flag.String("o", "lh.png", "output file")
	flag.Parse()

	if *alnFN == "" || *treeFN == "" {
		fatal("both -aln and -tree are required")
	}

	alnFile, err := os.Open(*alnFN)
	if err != nil {
		fatal(err)
	}
	defer alnFile.Close()
	seqs, err := bio.ParseFasta(alnFile)
	if err != nil {
		fatal(err)
	}
	aln, err := align.New(seqs, bio.DNA)
	if err != nil {
		fatal(err)
	}

	treeFile, err := os.Open(*treeFN)
	if err != nil {
		fatal(err)
	}
	defer treeFile.Close()
	t, err := tree.ParseNewick(treeFile)
	if err != nil {
		fatal(err)
	}

	var rate model.SiteRate
	if *alpha > 0 {
		rate = model.NewGamma(*alpha, *ncat)
	}
	pt, err := phylo.NewPhyloTree(t, aln, model.NewJC(aln.NStates()), rate, nil)
	if err != nil {
		fatal(err)
	}

	node := pt.Root
	if *taxon != "" {
		node = nil
		for _, leaf := range pt.Leaves() {
			if leaf.Name == *taxon {
				node = leaf
			}
		}
		if node == nil {
			fatal("taxon not found:", *taxon)
		}
	}
	dad := node.Neighbors[0].Node

	pts := make(plotter.XYs, *n)
	step := (*max - *min) / float64(*n-1)
	for i := range pts {
		x := *min + float64(i)*step
		tree.SetLength(node, dad, x)
		pts[i].X = x
		pts[i].Y = pt.ComputeLikelihoodBranch(dad.FindNeighbor(node), dad, nil)
	}

	p, err := plot.New()
	if err != nil {
		fatal(err)
	}
	p.X.Label.Text = "branch length"
	p.Y.Label.Text = "log-likelihood"
	if err := plotutil.AddLinePoints(p, node.Name, pts); err != nil {
		fatal(err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, *out); err != nil {
		fatal(err)
	}
}
