/*

Goiqp reconstructs maximum-likelihood phylogenies from multiple
sequence alignments. The search combines important-quartet puzzling
perturbation with fast nearest-neighbor interchange refinement.

The basic usage of goiqp looks like this:

	goiqp alignment.fst

, this will compute a BIONJ starting tree from maximum-likelihood
distances and run the IQPNNI search under the JC model.

You can change the model and the starting tree:

	goiqp -gtr -alpha 0.5 -start mp alignment.fst

To see all the options run:

	goiqp -h

*/
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"

	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/bio"
	"bitbucket.org/Davydov/goiqp/checkpoint"
	"bitbucket.org/Davydov/goiqp/model"
	"bitbucket.org/Davydov/goiqp/nj"
	"bitbucket.org/Davydov/goiqp/phylo"
	"bitbucket.org/Davydov/goiqp/tree"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("goiqp")
var formatter = logging.MustStringFormatter(`%{message}`)

// command-line options
var (
	// application
	app = kingpin.New("goiqp", "maximum-likelihood phylogenetic tree search").Version(version)

	// input alignment
	alignmentFileName = app.Arg("alignment", "sequence alignment in FASTA format").Required().ExistingFile()

	// model parameters
	protein  = app.Flag("protein", "treat sequences as amino acids").Bool()
	gtr      = app.Flag("gtr", "use the general time-reversible model instead of JC").Bool()
	gtrRates = app.Flag("gtrrates", "six GTR exchangeability rates, comma separated").Default("1,1,1,1,1,1").String()
	alpha    = app.Flag("alpha", "gamma shape parameter for rate variation (0 for no variation)").Default("0").Float64()
	ncat     = app.Flag("ncat", "number of gamma rate categories").Default("4").Int()
	pinvar   = app.Flag("pinvar", "proportion of invariant sites (negative to estimate from the alignment)").Default("0").Float64()

	// starting tree
	treeFileName = app.Flag("intree", "user starting tree file (overrides -start)").ExistingFile()
	start        = app.Flag("start", "starting tree method "+
		"(bionj: BIONJ from maximum-likelihood distances, "+
		"mp: parsimony stepwise addition, "+
		"ml: likelihood stepwise addition)").Default("bionj").Enum("bionj", "mp", "ml")
	distFileName = app.Flag("dist", "read pairwise distances from a file instead of computing them").ExistingFile()

	// search parameters
	search = app.Flag("search", "tree search strategy "+
		"(iqpnni: IQP perturbation with fast NNI, "+
		"nni: fast NNI only, "+
		"spr: subtree pruning and regrafting, "+
		"none: only optimize branch lengths)").Default("iqpnni").Enum("iqpnni", "nni", "spr", "none")
	iterations = app.Flag("iter", "number of IQPNNI iterations (0 derives it from the number of taxa)").Default("0").Int()
	pdel       = app.Flag("pdel", "fraction of leaves deleted by one perturbation").Default("0.3").Float64()
	knum       = app.Flag("knum", "number of representative leaves per subtree").Default("4").Int()
	lambda     = app.Flag("lambda", "initial fraction of simultaneously applied NNI moves").Default("0.75").Float64()
	phymlBlend = app.Flag("phyml", "blend unchanged branch lengths towards their optima").Bool()
	newton     = app.Flag("newton", "use Newton-Raphson instead of Brent for branch lengths").Bool()

	// branch support
	alrt = app.Flag("alrt", "number of RELL replicates for SH-like aLRT branch support (0 to disable)").Default("0").Int()

	// checkpointing
	checkpointFileName = app.Flag("checkpoint", "checkpoint database filename").String()
	checkpointSeconds  = app.Flag("checkpointevery", "checkpoint saving interval in seconds").Default("30").Float64()

	// technical
	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "random generator seed, default time based").Default("-1").Int64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()

	// input/output
	outLogF   = app.Flag("log", "write log to a file").String()
	outPrefix = app.Flag("prefix", "prefix of the output files (alignment filename by default)").String()
	noOutDist = app.Flag("nodist", "do not write the distance matrix").Bool()
	logLevel  = app.Flag("loglevel", "set loglevel "+
		"('critical', 'error', 'warning', 'notice', 'info', 'debug')").
		Default("notice").
		Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json output to a file").String()
)

// parseGTRRates parses the comma-separated exchangeability rates.
func parseGTRRates(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	rates := make([]float64, 0, len(fields))
	for _, f := range fields {
		r, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse GTR rate %q: %v", f, err)
		}
		rates = append(rates, r)
	}
	return rates, nil
}

// getModel builds the substitution model from the command line.
func getModel(aln *align.Alignment) (model.Model, error) {
	if !*gtr {
		log.Info("Using JC model")
		return model.NewJC(aln.NStates()), nil
	}
	log.Info("Using GTR model with empirical state frequencies")
	rates, err := parseGTRRates(*gtrRates)
	if err != nil {
		return nil, err
	}
	return model.NewGTR(rates, aln.StateFreqs())
}

// getRate builds the site-rate model from the command line.
func getRate(aln *align.Alignment) model.SiteRate {
	var rate model.SiteRate = model.UniformRate{}
	if *alpha > 0 {
		log.Infof("Gamma rate variation, alpha=%v, %d categories", *alpha, *ncat)
		rate = model.NewGamma(*alpha, *ncat)
	}
	p := *pinvar
	if p < 0 {
		p = aln.PropInvariant()
		log.Infof("Estimated proportion of invariant sites: %v", p)
	}
	if p > 0 {
		rate = model.NewInvar(rate, p)
	}
	return rate
}

// getStartingTree builds or reads the starting tree. For the BIONJ
// start it also computes (or reads) the distance matrix and writes it
// next to the other output files.
func getStartingTree(aln *align.Alignment, m model.Model, rate model.SiteRate, params *phylo.Params, prefix string) (*tree.Tree, error) {
	if *treeFileName != "" {
		log.Infof("Reading starting tree from %s", *treeFileName)
		treeFile, err := os.Open(*treeFileName)
		if err != nil {
			return nil, err
		}
		defer treeFile.Close()
		return tree.ParseNewick(treeFile)
	}

	switch *start {
	case "mp":
		log.Info("Stepwise addition using parsimony...")
		pt, score, err := phylo.GrowTreeMP(aln, m, rate, params)
		if err != nil {
			return nil, err
		}
		log.Noticef("Starting tree parsimony score: %d", score)
		return pt.Tree, nil
	case "ml":
		log.Info("Stepwise addition using ML...")
		pt, lh, err := phylo.GrowTreeML(aln, m, rate, params)
		if err != nil {
			return nil, err
		}
		log.Noticef("Starting tree log-likelihood: %f", lh)
		return pt.Tree, nil
	}

	pt, err := phylo.NewPhyloTree(nil, aln, m, rate, params)
	if err != nil {
		return nil, err
	}
	var dist []float64
	if *distFileName != "" {
		log.Infof("Reading distances from %s", *distFileName)
		distFile, err := os.Open(*distFileName)
		if err != nil {
			return nil, err
		}
		defer distFile.Close()
		dist, err = aln.ReadDist(distFile)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info("Computing maximum-likelihood pairwise distances...")
		var longest float64
		dist, longest = pt.ComputeDistMatrix()
		log.Infof("Longest distance: %f", longest)
		if !*noOutDist {
			distFile, err := os.Create(prefix + ".mldist")
			if err != nil {
				log.Error("Error creating distance file:", err)
			} else {
				if err := aln.WriteDist(distFile, dist); err != nil {
					log.Error("Error writing distances:", err)
				}
				distFile.Close()
			}
		}
	}
	log.Info("Computing BIONJ tree...")
	return nj.BioNJ(aln.Names, dist)
}

func run() (summary *SearchSummary) {
	startTime := time.Now()
	summary = &SearchSummary{}

	fastaFile, err := os.Open(*alignmentFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer fastaFile.Close()

	seqs, err := bio.ParseFasta(fastaFile)
	if err != nil {
		log.Fatal(err)
	}

	alphabet := bio.DNA
	if *protein {
		alphabet = bio.Protein
	}
	aln, err := align.New(seqs, alphabet)
	if err != nil {
		log.Fatal(err)
	}
	summary.NTaxa = aln.NTaxa()
	summary.NSites = aln.NSites()
	summary.NPatterns = aln.NPatterns()

	m, err := getModel(aln)
	if err != nil {
		log.Fatal(err)
	}
	rate := getRate(aln)

	params := &phylo.Params{
		OptimizeByNewton: *newton,
		NThreads:         runtime.GOMAXPROCS(0),
		PDelete:          *pdel,
		KRepresent:       *knum,
		NIterations:      *iterations,
		Lambda:           *lambda,
		NNIPhyml:         *phymlBlend,
		Seed:             *seed,
	}

	prefix := *outPrefix
	if prefix == "" {
		prefix = *alignmentFileName
	}

	// An unfinished checkpoint overrides the starting tree.
	var cio *checkpoint.CheckpointIO
	var state *checkpoint.SearchState
	if *checkpointFileName != "" {
		db, err := bolt.Open(*checkpointFileName, 0666, nil)
		if err != nil {
			log.Fatal("Error opening checkpoint database:", err)
		}
		defer db.Close()
		cio = checkpoint.NewCheckpointIO(db, []byte("search"), *checkpointSeconds)
		state, err = cio.GetState()
		if err != nil {
			log.Fatal("Error reading checkpoint:", err)
		}
		if state != nil && state.Final {
			state = nil
		}
	}

	var t *tree.Tree
	if state != nil {
		t, err = tree.ParseNewickString(state.Tree)
	} else {
		t, err = getStartingTree(aln, m, rate, params, prefix)
	}
	if err != nil {
		log.Fatal(err)
	}
	summary.StartingTree = t.String()

	pt, err := phylo.NewPhyloTree(t, aln, m, rate, params)
	if err != nil {
		log.Fatal(err)
	}
	pt.FixNegativeBranch(0.1)

	searchStart := time.Now()
	var lnL float64
	switch *search {
	case "iqpnni":
		log.Notice("Starting IQPNNI search...")
		lnL, err = pt.DoIQPNNI(func(iter int, score float64, accepted bool) {
			if cio != nil && cio.Old() {
				cio.Save(&checkpoint.SearchState{
					Tree:       pt.String(),
					Likelihood: score,
					Iter:       iter,
				})
			}
		})
		if err != nil {
			log.Fatal("Tree search failed:", err)
		}
	case "nni":
		log.Notice("Starting fast NNI search...")
		pt.OptimizeAllBranches(100)
		lnL = pt.OptimizeFastNNI()
	case "spr":
		log.Notice("Starting SPR search...")
		pt.OptimizeAllBranches(100)
		lnL = pt.OptimizeSPR()
	default:
		log.Notice("Optimizing branch lengths...")
		lnL = pt.OptimizeAllBranches(100)
	}
	if err := pt.Err(); err != nil {
		log.Fatal(err)
	}
	summary.SearchTime = time.Since(searchStart).Seconds()
	summary.LnL = lnL
	summary.Parsimony = pt.ComputeParsimony()
	log.Noticef("Best tree log-likelihood: %f", lnL)

	if *alrt > 0 {
		log.Noticef("Computing SH-like aLRT supports with %d replicates...", *alrt)
		_, nLow := pt.TestAllBranches(0.9, *alrt)
		log.Noticef("Branches with SH-like aLRT support below 0.9: %d", nLow)
	}

	summary.FinalTree = pt.String()
	log.Infof("outtree=%s", pt.Tree)

	treeFile, err := os.Create(prefix + ".treefile")
	if err != nil {
		log.Error("Error creating tree output file:", err)
	} else {
		treeFile.WriteString(pt.String() + "\n")
		treeFile.Close()
	}

	if cio != nil {
		cio.Save(&checkpoint.SearchState{
			Tree:       pt.String(),
			Likelihood: lnL,
			Final:      true,
		})
	}

	endTime := time.Now()

	deltaT := endTime.Sub(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.TotalTime = deltaT.Seconds()

	return
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, module := range []string{"goiqp", "phylo", "align", "bio", "nj", "checkpoint", "model"} {
		logging.SetLevel(level, module)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == -1 {
		*seed = time.Now().UnixNano()
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	rand.Seed(*seed)
	if *nThreads > 0 {
		runtime.GOMAXPROCS(*nThreads)
	}

	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.\n", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	summary := run()
	summary.NThreads = effectiveNThreads
	summary.Version = version
	summary.CommandLine = os.Args
	summary.Seed = *seed

	// output summary in json format
	if *jsonF != "" {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
}
