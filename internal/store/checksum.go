package store

import (
	"encoding/binary"
	"hash/crc32"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

const checksumSize = 4

// appendChecksum returns data followed by its little-endian CRC32.
func appendChecksum(data []byte) []byte {
	out := make([]byte, len(data)+checksumSize)
	copy(out, data)
	binary.LittleEndian.PutUint32(out[len(data):], crc32.Checksum(data, crc32Table))
	return out
}

// stripChecksum validates the trailer and returns the payload before it.
func stripChecksum(raw []byte) ([]byte, bool) {
	if len(raw) < checksumSize {
		return nil, false
	}
	n := len(raw) - checksumSize
	data := raw[:n]
	return data, crc32.Checksum(data, crc32Table) == binary.LittleEndian.Uint32(raw[n:])
}
