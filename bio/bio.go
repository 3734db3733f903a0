// Package bio provides sequence alphabets and FASTA parsing.
package bio

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// StateUnknown marks a fully unknown character (gap, N, X, ?). It is
// distinct from every valid and every ambiguous state code.
const StateUnknown byte = 127

// Alphabet sizes.
const (
	NStatesDNA     = 4
	NStatesProtein = 20
)

// Alphabet encodes sequence characters into small integer states.
// Unambiguous characters map to 0..NStates-1. Nucleotide IUPAC
// ambiguity codes map to NStates-1+mask, where mask is the bit-set of
// compatible states (bit i set means state i is possible).
type Alphabet struct {
	Name    string
	NStates int
	codes   map[byte]byte
}

// DNA encodes A, C, G, T/U plus IUPAC ambiguity codes.
var DNA = &Alphabet{
	Name:    "DNA",
	NStates: NStatesDNA,
	codes:   dnaCodes(),
}

// Protein encodes the 20 standard amino acids.
var Protein = &Alphabet{
	Name:    "Protein",
	NStates: NStatesProtein,
	codes:   proteinCodes(),
}

func dnaCodes() map[byte]byte {
	// A=0, C=1, G=2, T=3.
	c := map[byte]byte{
		'A': 0, 'C': 1, 'G': 2, 'T': 3, 'U': 3,
	}
	amb := map[byte]byte{
		'R': 1<<0 | 1<<2,
		'Y': 1<<1 | 1<<3,
		'S': 1<<1 | 1<<2,
		'W': 1<<0 | 1<<3,
		'K': 1<<2 | 1<<3,
		'M': 1<<0 | 1<<1,
		'B': 1<<1 | 1<<2 | 1<<3,
		'D': 1<<0 | 1<<2 | 1<<3,
		'H': 1<<0 | 1<<1 | 1<<3,
		'V': 1<<0 | 1<<1 | 1<<2,
	}
	for b, m := range amb {
		c[b] = NStatesDNA - 1 + m
	}
	for _, b := range []byte{'N', 'X', '?', '-', '.'} {
		c[b] = StateUnknown
	}
	return c
}

func proteinCodes() map[byte]byte {
	const aa = "ARNDCQEGHILKMFPSTWYV"
	c := make(map[byte]byte, len(aa)+6)
	for i := 0; i < len(aa); i++ {
		c[aa[i]] = byte(i)
	}
	for _, b := range []byte{'X', 'B', 'Z', '?', '-', '.'} {
		c[b] = StateUnknown
	}
	return c
}

// EncodeState converts a single character into its state code.
func (a *Alphabet) EncodeState(ch byte) (byte, error) {
	if ch >= 'a' && ch <= 'z' {
		ch -= 'a' - 'A'
	}
	st, ok := a.codes[ch]
	if !ok {
		return 0, errors.New("unknown character " + string(ch) + " for alphabet " + a.Name)
	}
	return st, nil
}

// IsUnambiguous tests if the state code is a single definite state.
func (a *Alphabet) IsUnambiguous(state byte) bool {
	return int(state) < a.NStates
}

// AmbiguityMask returns the compatible-state bit mask for a state
// code. An unambiguous state yields its single bit; StateUnknown
// yields all bits set.
func (a *Alphabet) AmbiguityMask(state byte) uint32 {
	switch {
	case int(state) < a.NStates:
		return 1 << state
	case state == StateUnknown:
		return 1<<uint(a.NStates) - 1
	default:
		return uint32(state) - uint32(a.NStates-1)
	}
}

// Sequence is a type which is intended for storing nucleotide or
// protein sequence with it's name.
type Sequence struct {
	Name     string
	Sequence string
}

// Sequences stores multiple sequences. E.g. a sequence alignment.
type Sequences []Sequence

// ParseFasta parses FASTA sequences from a reader.
func ParseFasta(rd io.Reader) (seqs Sequences, err error) {
	seqs = make(Sequences, 0, 10)
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '>' {
			seq := Sequence{Name: strings.TrimSpace(line[1:])}
			seqs = append(seqs, seq)
		} else {
			if len(seqs) == 0 {
				return nil, errors.New("sequence w/o prefix")
			}
			line = strings.ToUpper(strings.Replace(line, " ", "", -1))
			seqs[len(seqs)-1].Sequence += line
		}
	}
	return seqs, scanner.Err()
}

// Wrap inputs a string and wraps it so string length is n characters
// or less.
func Wrap(seq string, n int) (s string) {
	for i := 0; i < len(seq); i += n {
		end := i + n
		if end > len(seq) {
			end = len(seq)
		}
		s += seq[i:end] + "\n"
	}
	return
}

// String returns a sequence in FASTA format.
func (seq Sequence) String() (s string) {
	s = ">" + seq.Name + "\n" + Wrap(seq.Sequence, 80)
	return
}

// String returns sequences in FASTA format.
func (seqs Sequences) String() (s string) {
	for _, seq := range seqs {
		s += seq.String()
	}
	return s[:len(s)-1]
}
