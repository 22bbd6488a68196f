package collection

import "encoding/binary"

// entryPoint is page 0 of a position map file. It holds the number of bucket
// pages in use.
type entryPoint []byte

const entryPointFileSizeOffset = 0

func (p entryPoint) fileSize() uint64 {
	return binary.LittleEndian.Uint64(p[entryPointFileSizeOffset:])
}

func (p entryPoint) setFileSize(n uint64) {
	binary.LittleEndian.PutUint64(p[entryPointFileSizeOffset:], n)
}
