package phylo

// Bit-packed state sets: entry i occupies width bits starting at bit
// i*width of the word array, crossing word boundaries when needed.
// width is at most 32, so an entry spans at most two words.

// getBits extracts entry idx of the given width.
func getBits(words []uint64, idx, width int) uint32 {
	bit := idx * width
	w := bit >> 6
	off := uint(bit & 63)
	mask := uint64(1)<<uint(width) - 1
	v := words[w] >> off
	if off+uint(width) > 64 {
		v |= words[w+1] << (64 - off)
	}
	return uint32(v & mask)
}

// setBits stores entry idx of the given width.
func setBits(words []uint64, idx, width int, bits uint32) {
	bit := idx * width
	w := bit >> 6
	off := uint(bit & 63)
	mask := uint64(1)<<uint(width) - 1
	words[w] = words[w] &^ (mask << off) | uint64(bits)<<off
	if off+uint(width) > 64 {
		hi := uint(64) - off
		words[w+1] = words[w+1] &^ (mask >> hi) | uint64(bits)>>hi
	}
}
