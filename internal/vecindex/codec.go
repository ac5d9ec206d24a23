package vecindex

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Flat file layout, all integers little-endian:
//
//	[4] magic "MVIX"
//	[4] format version (currently 1)
//	[4] dimension
//	[4] vector count
//	[count*dim*4] float32 payload, slot order
//	[4] tombstone count
//	[n*4] tombstoned slot ids
const (
	indexMagic   = "MVIX"
	indexVersion = 1

	headerSize = 16
	valueSize  = 4
)

func encodeIndex(ix *Index) ([]byte, error) {
	count := len(ix.vectors)
	size := headerSize + count*ix.dim*valueSize + 4 + len(ix.tombstones)*4
	buf := make([]byte, 0, size)

	buf = append(buf, indexMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, indexVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ix.dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))

	for slot, vec := range ix.vectors {
		if len(vec) != ix.dim {
			return nil, fmt.Errorf("encode index: slot %d dimension %d, want %d", slot, len(vec), ix.dim)
		}
		for _, v := range vec {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ix.tombstones)))
	// Sorted for a deterministic file image.
	tombs := make([]int, 0, len(ix.tombstones))
	for slot := range ix.tombstones {
		tombs = append(tombs, slot)
	}
	for i := 1; i < len(tombs); i++ {
		for j := i; j > 0 && tombs[j] < tombs[j-1]; j-- {
			tombs[j], tombs[j-1] = tombs[j-1], tombs[j]
		}
	}
	for _, slot := range tombs {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(slot))
	}

	return buf, nil
}

func decodeIndex(data []byte) (*Index, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("decode index: truncated header: %d bytes", len(data))
	}
	if string(data[:4]) != indexMagic {
		return nil, fmt.Errorf("decode index: bad magic %q", data[:4])
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != indexVersion {
		return nil, fmt.Errorf("decode index: unsupported version %d", version)
	}

	dim := int(binary.LittleEndian.Uint32(data[8:12]))
	count := int(binary.LittleEndian.Uint32(data[12:16]))
	if dim < 0 || count < 0 {
		return nil, fmt.Errorf("decode index: invalid header dim=%d count=%d", dim, count)
	}
	if count > 0 && dim == 0 {
		return nil, fmt.Errorf("decode index: %d vectors with zero dimension", count)
	}

	payload := count * dim * valueSize
	if len(data) < headerSize+payload+4 {
		return nil, fmt.Errorf("decode index: truncated payload: have %d bytes, want %d", len(data), headerSize+payload+4)
	}

	ix := New()
	ix.dim = dim
	ix.vectors = make([][]float32, 0, count)
	offset := headerSize
	for i := 0; i < count; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+valueSize]))
			if !isFinite(v) {
				return nil, fmt.Errorf("decode index: invalid value at slot %d position %d", i, j)
			}
			vec[j] = v
			offset += valueSize
		}
		ix.vectors = append(ix.vectors, vec)
	}

	tombCount := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if tombCount < 0 || len(data) < offset+tombCount*4 {
		return nil, fmt.Errorf("decode index: truncated tombstones: count=%d", tombCount)
	}
	for i := 0; i < tombCount; i++ {
		slot := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if slot >= count {
			return nil, fmt.Errorf("decode index: tombstone slot %d out of range", slot)
		}
		ix.tombstones[slot] = struct{}{}
	}

	return ix, nil
}
