package journal

import (
	"hash/crc32"

	"github.com/pkg/errors"
)

// Checksum computes the IEEE CRC32 of b, the checksum algorithm mandated by the wire format.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Encoded is a fully assembled journal entry: header + fixed/variable extension, ready to be
// written into a sector (and, for SMALL_WRITE, followed by its payload bytes).
type Encoded struct {
	Type  EntryType
	CRC32 uint32
	Bytes []byte // header || extension
}

// build assembles an entry's bytes and computes its chained CRC32 over header-minus-crc || ext.
// The CRC32 field itself is not included in its own checksum; crc32Prev chains to the previous
// entry accepted into the journal.
func build(t EntryType, size uint32, crc32Prev uint32, ext []byte) Encoded {
	h := Header{
		Magic:     Magic,
		Type:      t,
		Size:      size,
		CRC32Prev: crc32Prev,
	}
	hb := HeaderBytes(h)
	// crc32 covers everything after the crc32 field itself: magic..reserved, then ext.
	sum := crc32.NewIEEE()
	_, _ = sum.Write(hb[4:])
	_, _ = sum.Write(ext)
	crc := sum.Sum32()

	out := make([]byte, 0, len(hb)+len(ext))
	hFinal := h
	hFinal.CRC32 = crc
	out = append(out, HeaderBytes(hFinal)...)
	out = append(out, ext...)

	return Encoded{Type: t, CRC32: crc, Bytes: out}
}

// BuildSmallWrite assembles a SMALL_WRITE entry (payload is written separately, at its own ring reservation).
func BuildSmallWrite(crc32Prev uint32, ext SmallWriteExt) Encoded {
	return build(SmallWrite, uint32(HeaderSize+len(SmallWriteExtBytes(ext))), crc32Prev, SmallWriteExtBytes(ext))
}

// BuildBigWrite assembles a BIG_WRITE entry.
func BuildBigWrite(crc32Prev uint32, ext BigWriteExt) Encoded {
	return build(BigWrite, uint32(HeaderSize+len(BigWriteExtBytes(ext))), crc32Prev, BigWriteExtBytes(ext))
}

// BuildDelete assembles a DELETE entry.
func BuildDelete(crc32Prev uint32, ext DeleteExt) Encoded {
	return build(Delete, uint32(HeaderSize+len(DeleteExtBytes(ext))), crc32Prev, DeleteExtBytes(ext))
}

// BuildSync assembles a SYNC marker entry, which carries no extension.
func BuildSync(crc32Prev uint32) Encoded {
	return build(Sync, uint32(HeaderSize), crc32Prev, nil)
}

// BuildStable assembles a STABLE entry listing the versions being stabilized.
func BuildStable(crc32Prev uint32, refs []VersionRef) Encoded {
	ext := EncodeVersionRefs(refs)
	return build(Stable, uint32(HeaderSize+len(ext)), crc32Prev, ext)
}

// BuildRollback assembles a ROLLBACK entry listing the versions being dropped.
func BuildRollback(crc32Prev uint32, refs []VersionRef) Encoded {
	ext := EncodeVersionRefs(refs)
	return build(Rollback, uint32(HeaderSize+len(ext)), crc32Prev, ext)
}

// Decoded is a parsed journal entry as encountered during recovery.
type Decoded struct {
	Header Header
	Ext    []byte
}

// Verify checks that b (header || ext, exactly Header.Size bytes) has a valid magic and that its
// stored CRC32 matches the recomputed checksum, and that CRC32Prev chains from expectedPrev.
func Verify(b []byte, expectedPrev uint32) (Decoded, error) {
	if len(b) < HeaderSize {
		return Decoded{}, errors.New("entry shorter than header")
	}
	hv := HeaderView(b[:HeaderSize])
	h := *hv.Value
	if h.Magic != Magic {
		return Decoded{}, errors.Errorf("bad magic: %#x", h.Magic)
	}
	if int(h.Size) > len(b) {
		return Decoded{}, errors.Errorf("entry claims %d bytes, only %d available", h.Size, len(b))
	}
	if h.CRC32Prev != expectedPrev {
		return Decoded{}, errors.Errorf("crc32 chain broken: expected prev %#x, got %#x", expectedPrev, h.CRC32Prev)
	}

	sum := crc32.NewIEEE()
	_, _ = sum.Write(b[4:h.Size])
	if got := sum.Sum32(); got != h.CRC32 {
		return Decoded{}, errors.Errorf("crc32 mismatch: computed %#x, stored %#x", got, h.CRC32)
	}

	return Decoded{Header: h, Ext: b[HeaderSize:h.Size]}, nil
}
