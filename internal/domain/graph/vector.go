package graph

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"math"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Vector is an embedding stored as little-endian float32 bytes. An empty
// vector is stored as NULL.
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf, nil
}

func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var raw []byte
	switch t := src.(type) {
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		return fmt.Errorf("vector: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*v = nil
		return nil
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("vector: byte length %d is not a multiple of 4", len(raw))
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	*v = out
	return nil
}

func (Vector) GormDataType() string { return "bytes" }

func (Vector) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "bytea"
	default:
		return "blob"
	}
}

func (v Vector) Dim() int { return len(v) }
