package chunk

// Ref is one entry in a file's manifest: spec.md §3 ChunkRef.
type Ref struct {
	ChunkID         [32]byte
	PlaintextOffset int64
	PlaintextLength int64
	Compressed      bool
	RemoteLocator   string
}

// Manifest is the ordered, gapless, non-overlapping sequence of Refs
// covering a file's full byte range [0, size).
type Manifest struct {
	Refs []Ref
}

// Size returns the total plaintext length covered by the manifest.
func (m Manifest) Size() int64 {
	var total int64
	for _, r := range m.Refs {
		total += r.PlaintextLength
	}
	return total
}

// Intersecting returns the subset of Refs whose plaintext range overlaps
// [offset, offset+length), in manifest order — used by the read path to
// resolve a byte range to the chunks that must be fetched (spec.md §4.5).
func (m Manifest) Intersecting(offset, length int64) []Ref {
	if length <= 0 {
		return nil
	}
	end := offset + length
	var out []Ref
	for _, r := range m.Refs {
		rEnd := r.PlaintextOffset + r.PlaintextLength
		if r.PlaintextOffset < end && rEnd > offset {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks the gapless-contiguous-cover invariant from spec.md §3.
func (m Manifest) Validate() bool {
	var want int64
	for _, r := range m.Refs {
		if r.PlaintextOffset != want {
			return false
		}
		want += r.PlaintextLength
	}
	return true
}
