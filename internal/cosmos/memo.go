package cosmos

import "strconv"

// UniqueMemo appends the assigned account sequence to the base memo.
// The oracle rejects a DataRequest whose content hash collides with one
// already in flight, so stamping the sequence makes otherwise identical
// requests hash apart.
func UniqueMemo(base string, sequence uint64) string {
	return base + " | seq:" + strconv.FormatUint(sequence, 10)
}
