package phylo

import (
	"math/rand"
	"testing"
)

// Pack/unpack must round-trip across word boundaries for both
// alphabet widths.
func TestBitsRoundTrip(tst *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for _, width := range []int{4, 20} {
		n := 200
		words := make([]uint64, (n*width+63)/64)
		vals := make([]uint32, n)
		for i := range vals {
			vals[i] = uint32(rnd.Intn(1 << uint(width)))
			setBits(words, i, width, vals[i])
		}
		for i, want := range vals {
			if got := getBits(words, i, width); got != want {
				tst.Errorf("width %d entry %d: got %x, want %x", width, i, got, want)
			}
		}
		// Overwrite in reverse order; neighbors must survive.
		for i := n - 1; i >= 0; i-- {
			vals[i] = uint32(rnd.Intn(1 << uint(width)))
			setBits(words, i, width, vals[i])
		}
		for i, want := range vals {
			if got := getBits(words, i, width); got != want {
				tst.Errorf("width %d entry %d after rewrite: got %x, want %x", width, i, got, want)
			}
		}
	}
}

func TestBitsCrossBoundary(tst *testing.T) {
	// Entry 3 of width 20 occupies bits 60..79: both words.
	words := make([]uint64, 2)
	setBits(words, 3, 20, 0xabcde)
	if words[0] == 0 || words[1] == 0 {
		tst.Error("entry should span two words")
	}
	if got := getBits(words, 3, 20); got != 0xabcde {
		tst.Errorf("got %x, want abcde", got)
	}
}
