// Package crsql implements the conflict-free replicated relation engine:
// CRR lifecycle, capture triggers, logical clocks, the changes cursor and
// the merge/apply path, all layered on top of github.com/mattn/go-sqlite3.
package crsql

import (
	"encoding/binary"
	"fmt"
)

// SiteID is the 16-byte opaque identity of a replica.
type SiteID [16]byte

func (s SiteID) String() string {
	return fmt.Sprintf("%x", s[:])
}

// Compare returns -1, 0 or 1 per bytewise lexicographic ordering, the
// deterministic tie-break used when two writes carry the same
// col_version.
func (s SiteID) Compare(other SiteID) int {
	for i := range s {
		if s[i] != other[i] {
			if s[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// IsZero reports whether this is the unset/local-self sentinel id.
func (s SiteID) IsZero() bool {
	return s == SiteID{}
}

type (
	// DBVersion is the per-database monotonic transaction counter.
	DBVersion int64
	// SiteVersion is the per-site monotonic counter.
	SiteVersion int64
	// ColumnVersion is the per-cell write counter.
	ColumnVersion int64
	// Seq distinguishes changes within one transaction.
	Seq uint32
)

// SentinelCID is the reserved column id representing whole-row liveness.
const SentinelCID = -1

// CausalStamp is attached to every captured mutation.
type CausalStamp struct {
	DBVersion   DBVersion
	SiteVersion SiteVersion
	SiteID      SiteID
	Seq         Seq
}

// ClockRow is one row of a T__crsql_clock table.
type ClockRow struct {
	PK            []byte
	CID           int
	ColVersion    ColumnVersion
	DBVersion     DBVersion
	SiteID        SiteID
	Seq           Seq
	CL            int64
}

// ChangeRecord is the exported tuple a peer receives from crsql_changes
// and feeds back into Merge on the importing side.
type ChangeRecord struct {
	Table       string
	PK          []byte
	CID         int
	Value       any
	ColVersion  ColumnVersion
	DBVersion   DBVersion
	SiteID      SiteID
	CL          int64
	Seq         Seq
	SiteVersion SiteVersion
}

// encodePK packs primary-key values into a length-prefixed blob in
// declared pk order.
func encodePK(values []any) ([]byte, error) {
	var buf []byte
	for _, v := range values {
		var b []byte
		switch t := v.(type) {
		case string:
			b = []byte(t)
		case []byte:
			b = t
		case int64:
			b = make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(t))
		case int:
			b = make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(int64(t)))
		case float64:
			b = make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(int64(t)))
		case nil:
			b = nil
		default:
			return nil, fmt.Errorf("crsql: unsupported pk value type %T", v)
		}
		lenPrefix := make([]byte, 4)
		binary.BigEndian.PutUint32(lenPrefix, uint32(len(b)))
		buf = append(buf, lenPrefix...)
		buf = append(buf, b...)
	}
	return buf, nil
}

// decodePK unpacks a length-prefixed pk blob into raw byte slices, one per
// declared pk column. The caller re-interprets each slice per column type.
func decodePK(blob []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(blob) < 4 {
			return nil, &StructuralError{Reason: fmt.Sprintf("pk blob truncated at field %d of %d", i, n)}
		}
		l := binary.BigEndian.Uint32(blob[:4])
		blob = blob[4:]
		if uint32(len(blob)) < l {
			return nil, &StructuralError{Reason: fmt.Sprintf("pk blob field %d shorter than declared length %d", i, l)}
		}
		out = append(out, blob[:l])
		blob = blob[l:]
	}
	if len(blob) != 0 {
		return nil, &StructuralError{Reason: fmt.Sprintf("pk blob has %d trailing bytes after %d fields", len(blob), n)}
	}
	return out, nil
}
