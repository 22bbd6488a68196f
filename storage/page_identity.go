package storage

import (
	"cmp"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// PageSize is the size of every page handled by the cache and the file manager.
const PageSize = 4096

// PageIdentity names a page by the file it belongs to and its index inside that file.
// It is comparable and can be used directly as a map key.
type PageIdentity struct {
	FileID    uint64
	PageIndex uint64
}

// Compare orders identities by file first, then by page index.
func (id PageIdentity) Compare(other PageIdentity) int {
	if c := cmp.Compare(id.FileID, other.FileID); c != 0 {
		return c
	}
	return cmp.Compare(id.PageIndex, other.PageIndex)
}

// Hash returns the key used by the admission sketch.
func (id PageIdentity) Hash() uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], id.FileID)
	binary.LittleEndian.PutUint64(buf[8:16], id.PageIndex)
	return xxhash.Sum64(buf[:])
}

func (id PageIdentity) String() string {
	return fmt.Sprintf("%d:%d", id.FileID, id.PageIndex)
}
