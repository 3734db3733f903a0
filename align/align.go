// Package align stores a compressed sequence alignment: site patterns
// with frequencies, plus pairwise distance computations on it.
package align

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/goiqp/bio"
)

var log = logging.MustGetLogger("align")

// MaxGeneticDist caps pairwise distances when the observed divergence
// exceeds the correctable range.
const MaxGeneticDist = 9.0

// Alignment is a pattern-compressed alignment. Row order follows the
// input sequences; pattern columns are unique site columns.
type Alignment struct {
	Alphabet *bio.Alphabet
	// Names are the taxon names, one per row.
	Names []string
	// Patterns[p][row] is the encoded state of taxon row at
	// pattern p.
	Patterns [][]byte
	// Freq[p] is the number of sites showing pattern p.
	Freq []int
	// IsConst[p] marks patterns where every non-unknown state is
	// identical.
	IsConst []bool
	// ConstState[p] is the shared state of a constant pattern
	// (bio.StateUnknown when the pattern is all-unknown).
	ConstState []byte
	// SitePattern maps an original site index to its pattern.
	SitePattern []int

	nameIdx map[string]int
}

// New compresses the sequences into an alignment. All sequences must
// have equal length.
func New(seqs bio.Sequences, alphabet *bio.Alphabet) (*Alignment, error) {
	if len(seqs) < 3 {
		return nil, errors.New("alignment must have at least three sequences")
	}
	nSites := len(seqs[0].Sequence)
	if nSites == 0 {
		return nil, errors.New("empty alignment")
	}
	a := &Alignment{
		Alphabet:    alphabet,
		Names:       make([]string, len(seqs)),
		SitePattern: make([]int, nSites),
		nameIdx:     make(map[string]int, len(seqs)),
	}
	for i, seq := range seqs {
		if len(seq.Sequence) != nSites {
			return nil, fmt.Errorf("sequence %s has length %d, expecting %d",
				seq.Name, len(seq.Sequence), nSites)
		}
		if _, ok := a.nameIdx[seq.Name]; ok {
			return nil, fmt.Errorf("duplicate sequence name %s", seq.Name)
		}
		a.Names[i] = seq.Name
		a.nameIdx[seq.Name] = i
	}

	patIdx := make(map[string]int, nSites)
	column := make([]byte, len(seqs))
	for site := 0; site < nSites; site++ {
		for row, seq := range seqs {
			st, err := alphabet.EncodeState(seq.Sequence[site])
			if err != nil {
				return nil, fmt.Errorf("site %d: %v", site+1, err)
			}
			column[row] = st
		}
		key := string(column)
		p, ok := patIdx[key]
		if !ok {
			p = len(a.Patterns)
			patIdx[key] = p
			pat := make([]byte, len(column))
			copy(pat, column)
			a.Patterns = append(a.Patterns, pat)
			a.Freq = append(a.Freq, 0)
		}
		a.Freq[p]++
		a.SitePattern[site] = p
	}
	a.computeConst()
	log.Infof("alignment: %d sequences, %d sites, %d patterns",
		a.NTaxa(), a.NSites(), a.NPatterns())
	return a, nil
}

func (a *Alignment) computeConst() {
	a.IsConst = make([]bool, len(a.Patterns))
	a.ConstState = make([]byte, len(a.Patterns))
	for p, pat := range a.Patterns {
		isConst := true
		state := bio.StateUnknown
		for _, st := range pat {
			if !a.Alphabet.IsUnambiguous(st) {
				continue
			}
			if state == bio.StateUnknown {
				state = st
			} else if st != state {
				isConst = false
				break
			}
		}
		a.IsConst[p] = isConst
		if isConst {
			a.ConstState[p] = state
		} else {
			a.ConstState[p] = bio.StateUnknown
		}
	}
}

// NTaxa returns the number of rows.
func (a *Alignment) NTaxa() int { return len(a.Names) }

// NPatterns returns the number of unique site patterns.
func (a *Alignment) NPatterns() int { return len(a.Patterns) }

// NSites returns the uncompressed alignment length.
func (a *Alignment) NSites() int { return len(a.SitePattern) }

// NStates returns the alphabet size.
func (a *Alignment) NStates() int { return a.Alphabet.NStates }

// RowIndex returns the row of a taxon name, or -1.
func (a *Alignment) RowIndex(name string) int {
	i, ok := a.nameIdx[name]
	if !ok {
		return -1
	}
	return i
}

// PropInvariant returns the fraction of constant sites.
func (a *Alignment) PropInvariant() float64 {
	n := 0
	for p, c := range a.IsConst {
		if c {
			n += a.Freq[p]
		}
	}
	return float64(n) / float64(a.NSites())
}

// StateFreqs returns empirical state frequencies counted over
// unambiguous characters.
func (a *Alignment) StateFreqs() []float64 {
	freqs := make([]float64, a.NStates())
	total := 0.0
	for p, pat := range a.Patterns {
		w := float64(a.Freq[p])
		for _, st := range pat {
			if a.Alphabet.IsUnambiguous(st) {
				freqs[st] += w
				total += w
			}
		}
	}
	if total == 0 {
		// Degenerate all-unknown alignment.
		for i := range freqs {
			freqs[i] = 1 / float64(a.NStates())
		}
		return freqs
	}
	for i := range freqs {
		freqs[i] /= total
	}
	return freqs
}

// BootstrapFreq resamples NSites sites with replacement and returns
// the resampled per-pattern frequencies.
func (a *Alignment) BootstrapFreq(rnd *rand.Rand) []float64 {
	freq := make([]float64, a.NPatterns())
	for i := 0; i < a.NSites(); i++ {
		freq[a.SitePattern[rnd.Intn(a.NSites())]]++
	}
	return freq
}

// Extract returns a sub-alignment with only the given rows, keeping
// their order. Patterns are re-compressed.
func (a *Alignment) Extract(rows []int) (*Alignment, error) {
	seqs := make(bio.Sequences, 0, len(rows))
	for _, r := range rows {
		if r < 0 || r >= a.NTaxa() {
			return nil, fmt.Errorf("row %d out of range", r)
		}
		seqs = append(seqs, bio.Sequence{Name: a.Names[r], Sequence: a.rowString(r)})
	}
	return New(seqs, a.Alphabet)
}

func (a *Alignment) rowString(r int) string {
	// Decode back through the site→pattern map. Ambiguity codes
	// degrade to unknown; distances and likelihood treat them the
	// same way.
	buf := make([]byte, a.NSites())
	for site, p := range a.SitePattern {
		buf[site] = a.Patterns[p][r]
	}
	return decodeStates(a.Alphabet, buf)
}

func decodeStates(alphabet *bio.Alphabet, states []byte) string {
	var chars string
	if alphabet.NStates == bio.NStatesDNA {
		chars = "ACGT"
	} else {
		chars = "ARNDCQEGHILKMFPSTWYV"
	}
	buf := make([]byte, len(states))
	for i, st := range states {
		if alphabet.IsUnambiguous(st) {
			buf[i] = chars[st]
		} else {
			buf[i] = '-'
		}
	}
	return string(buf)
}

// ObsDist returns the observed proportion of differing sites between
// rows i and j, ignoring pairs with unknown or ambiguous states.
func (a *Alignment) ObsDist(i, j int) float64 {
	diff, total := 0, 0
	for p, pat := range a.Patterns {
		si, sj := pat[i], pat[j]
		if !a.Alphabet.IsUnambiguous(si) || !a.Alphabet.IsUnambiguous(sj) {
			continue
		}
		total += a.Freq[p]
		if si != sj {
			diff += a.Freq[p]
		}
	}
	if total == 0 {
		return 0
	}
	return float64(diff) / float64(total)
}

// JCDist returns the Juke-Cantor corrected distance between rows i
// and j, capped at MaxGeneticDist.
func (a *Alignment) JCDist(i, j int) float64 {
	obs := a.ObsDist(i, j)
	z := float64(a.NStates()) / float64(a.NStates()-1)
	x := 1.0 - z*obs
	if x <= 0 {
		return MaxGeneticDist
	}
	d := -math.Log(x) / z
	if d > MaxGeneticDist {
		return MaxGeneticDist
	}
	return d
}

// WriteDist writes a distance matrix in phylip format: taxon count,
// then one name and row per line.
func (a *Alignment) WriteDist(w io.Writer, dist []float64) error {
	n := a.NTaxa()
	if len(dist) != n*n {
		return errors.New("distance matrix size mismatch")
	}
	if _, err := fmt.Fprintln(w, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := fmt.Fprint(w, a.Names[i]); err != nil {
			return err
		}
		for j := 0; j < n; j++ {
			if _, err := fmt.Fprintf(w, " %.6f", dist[i*n+j]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

// ReadDist reads a distance matrix written by WriteDist. The taxon
// order must match the alignment.
func (a *Alignment) ReadDist(r io.Reader) ([]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	read := func() (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return scanner.Text(), nil
	}
	tok, err := read()
	if err != nil {
		return nil, err
	}
	var n int
	if _, err := fmt.Sscan(tok, &n); err != nil {
		return nil, err
	}
	if n != a.NTaxa() {
		return nil, fmt.Errorf("distance matrix has %d taxa, alignment has %d", n, a.NTaxa())
	}
	dist := make([]float64, n*n)
	for i := 0; i < n; i++ {
		name, err := read()
		if err != nil {
			return nil, err
		}
		if name != a.Names[i] {
			return nil, fmt.Errorf("taxon order mismatch: %s vs %s", name, a.Names[i])
		}
		for j := 0; j < n; j++ {
			tok, err := read()
			if err != nil {
				return nil, err
			}
			if _, err := fmt.Sscan(tok, &dist[i*n+j]); err != nil {
				return nil, err
			}
		}
	}
	return dist, nil
}
