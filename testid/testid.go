// Package testid derives stable identifiers for test executions. The same
// (file path, title) pair always maps to the same ID, within a process and
// across restarts, so repeated executions of a test can be correlated.
package testid

import (
	"hash/fnv"
	"strconv"
)

// tokenWidth is the base36 width of a full 32-bit hash (ceil(32 / log2(36))).
const tokenWidth = 7

// Assign maps a test's source file path and title to a stable token.
// It is a pure function: no randomness, no counters, no error path.
// The token is the FNV-1a 32-bit hash of "path:title" encoded in base36,
// left-padded to a fixed width so IDs are uniform and sortable as strings.
func Assign(filePath, title string) string {
	h := fnv.New32a()
	// Write on a hash never fails.
	_, _ = h.Write([]byte(filePath))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(title))

	tok := strconv.FormatUint(uint64(h.Sum32()), 36)
	for len(tok) < tokenWidth {
		tok = "0" + tok
	}
	return tok
}
