package gguf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Builder assembles a GGUF v3 file. It is used to export small models and
// to produce fixtures.
type Builder struct {
	kvs     []builderKV
	tensors []builderTensor
}

type builderKV struct {
	key string
	val any
}

type builderTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	raw  []byte
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Set records a metadata value. Supported Go types: string, bool, uint8,
// int8, uint16, int16, uint32, int32, uint64, int64, float32, float64,
// []string, []float32, []int32.
func (b *Builder) Set(key string, v any) *Builder {
	b.kvs = append(b.kvs, builderKV{key: key, val: v})
	return b
}

// AddF32 adds a float32 tensor. dims lists the fastest-varying dimension
// first, as GGUF does.
func (b *Builder) AddF32(name string, dims []uint64, data []float32) *Builder {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return b.AddRaw(name, GGMLF32, dims, raw)
}

// AddF16 adds a tensor stored as binary16.
func (b *Builder) AddF16(name string, dims []uint64, data []float32) *Builder {
	raw := make([]byte, 2*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:], Float32ToHalf(v))
	}
	return b.AddRaw(name, GGMLF16, dims, raw)
}

// AddRaw adds a tensor with a pre-encoded payload.
func (b *Builder) AddRaw(name string, typ GGMLType, dims []uint64, raw []byte) *Builder {
	b.tensors = append(b.tensors, builderTensor{name: name, dims: dims, typ: typ, raw: raw})
	return b
}

// WriteTo serializes the file.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	var hdr bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&hdr, le, Magic)
	_ = binary.Write(&hdr, le, uint32(3))
	_ = binary.Write(&hdr, le, uint64(len(b.tensors)))
	_ = binary.Write(&hdr, le, uint64(len(b.kvs)))
	for _, kv := range b.kvs {
		writeString(&hdr, kv.key)
		if err := writeValue(&hdr, kv.val); err != nil {
			return 0, fmt.Errorf("gguf: kv %q: %w", kv.key, err)
		}
	}
	var offset uint64
	offsets := make([]uint64, len(b.tensors))
	for i, t := range b.tensors {
		writeString(&hdr, t.name)
		_ = binary.Write(&hdr, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&hdr, le, d)
		}
		_ = binary.Write(&hdr, le, uint32(t.typ))
		_ = binary.Write(&hdr, le, offset)
		offsets[i] = offset
		offset = alignUp(offset+uint64(len(t.raw)), DefaultAlignment)
	}
	pad := alignUp(uint64(hdr.Len()), DefaultAlignment) - uint64(hdr.Len())
	hdr.Write(make([]byte, pad))

	var total int64
	n, err := w.Write(hdr.Bytes())
	total += int64(n)
	if err != nil {
		return total, err
	}
	var pos uint64
	for i, t := range b.tensors {
		if gap := offsets[i] - pos; gap > 0 {
			n, err := w.Write(make([]byte, gap))
			total += int64(n)
			if err != nil {
				return total, err
			}
			pos += gap
		}
		n, err := w.Write(t.raw)
		total += int64(n)
		if err != nil {
			return total, err
		}
		pos += uint64(len(t.raw))
	}
	return total, nil
}

// WriteFile serializes the file to path.
func (b *Builder) WriteFile(path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(fh)
	if _, err := b.WriteTo(bw); err != nil {
		fh.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func alignUp(n, a uint64) uint64 { return (n + a - 1) / a * a }

func writeString(w *bytes.Buffer, s string) {
	_ = binary.Write(w, binary.LittleEndian, uint64(len(s)))
	w.WriteString(s)
}

func writeValue(w *bytes.Buffer, v any) error {
	le := binary.LittleEndian
	tag := func(t ValueType) { _ = binary.Write(w, le, uint32(t)) }
	switch x := v.(type) {
	case string:
		tag(TypeString)
		writeString(w, x)
	case bool:
		tag(TypeBool)
		var u uint8
		if x {
			u = 1
		}
		w.WriteByte(u)
	case uint8:
		tag(TypeUint8)
		w.WriteByte(x)
	case int8:
		tag(TypeInt8)
		w.WriteByte(byte(x))
	case uint16:
		tag(TypeUint16)
		_ = binary.Write(w, le, x)
	case int16:
		tag(TypeInt16)
		_ = binary.Write(w, le, x)
	case uint32:
		tag(TypeUint32)
		_ = binary.Write(w, le, x)
	case int32:
		tag(TypeInt32)
		_ = binary.Write(w, le, x)
	case uint64:
		tag(TypeUint64)
		_ = binary.Write(w, le, x)
	case int64:
		tag(TypeInt64)
		_ = binary.Write(w, le, x)
	case float32:
		tag(TypeFloat32)
		_ = binary.Write(w, le, x)
	case float64:
		tag(TypeFloat64)
		_ = binary.Write(w, le, x)
	case []string:
		tag(TypeArray)
		_ = binary.Write(w, le, uint32(TypeString))
		_ = binary.Write(w, le, uint64(len(x)))
		for _, s := range x {
			writeString(w, s)
		}
	case []float32:
		tag(TypeArray)
		_ = binary.Write(w, le, uint32(TypeFloat32))
		_ = binary.Write(w, le, uint64(len(x)))
		for _, f := range x {
			_ = binary.Write(w, le, f)
		}
	case []int32:
		tag(TypeArray)
		_ = binary.Write(w, le, uint32(TypeInt32))
		_ = binary.Write(w, le, uint64(len(x)))
		for _, i := range x {
			_ = binary.Write(w, le, i)
		}
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}
