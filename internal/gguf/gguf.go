// Package gguf reads GGUF model files: header, metadata key/values, the tensor
// index and tensor payloads. Only format versions 2 and 3 are supported.
package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Magic is "GGUF" in little-endian byte order.
const Magic uint32 = 0x46554747

// DefaultAlignment applies when general.alignment is absent.
const DefaultAlignment = 32

// ErrBadMagic reports a file that is not GGUF.
var ErrBadMagic = errors.New("gguf: bad magic")

// ValueType tags a metadata value.
type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

// TensorInfo indexes one tensor of the data section.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   GGMLType
	Offset uint64
}

// Elements returns the number of scalar elements in the tensor.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Dims {
		n *= int(d)
	}
	return n
}

// File is a parsed GGUF file. Tensor payloads are read lazily.
type File struct {
	Version  uint32
	Metadata map[string]any
	Tensors  []TensorInfo

	byName     map[string]int
	dataOffset int64
	r          io.ReaderAt
	closer     io.Closer
}

// Open parses the GGUF file at path. Close releases the underlying file.
func Open(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(fh)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.closer = fh
	return f, nil
}

// Parse reads the header and tensor index from r.
func Parse(r io.ReaderAt) (*File, error) {
	cr := &countingReader{r: bufio.NewReader(io.NewSectionReader(r, 0, 1<<62))}
	magic, err := readU32(cr)
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	f := &File{Metadata: make(map[string]any), byName: make(map[string]int), r: r}
	if f.Version, err = readU32(cr); err != nil {
		return nil, err
	}
	if f.Version < 2 || f.Version > 3 {
		return nil, fmt.Errorf("gguf: unsupported version %d", f.Version)
	}
	nTensors, err := readU64(cr)
	if err != nil {
		return nil, err
	}
	nKV, err := readU64(cr)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < nKV; i++ {
		key, err := readString(cr)
		if err != nil {
			return nil, fmt.Errorf("gguf: kv %d key: %w", i, err)
		}
		vt, err := readU32(cr)
		if err != nil {
			return nil, err
		}
		v, err := readValue(cr, ValueType(vt))
		if err != nil {
			return nil, fmt.Errorf("gguf: kv %q: %w", key, err)
		}
		f.Metadata[key] = v
	}
	for i := uint64(0); i < nTensors; i++ {
		var ti TensorInfo
		if ti.Name, err = readString(cr); err != nil {
			return nil, fmt.Errorf("gguf: tensor %d name: %w", i, err)
		}
		nDims, err := readU32(cr)
		if err != nil {
			return nil, err
		}
		ti.Dims = make([]uint64, nDims)
		for d := range ti.Dims {
			if ti.Dims[d], err = readU64(cr); err != nil {
				return nil, err
			}
		}
		typ, err := readU32(cr)
		if err != nil {
			return nil, err
		}
		ti.Type = GGMLType(typ)
		if ti.Offset, err = readU64(cr); err != nil {
			return nil, err
		}
		f.byName[ti.Name] = len(f.Tensors)
		f.Tensors = append(f.Tensors, ti)
	}
	align := int64(DefaultAlignment)
	if a, ok := f.Uint("general.alignment"); ok && a > 0 {
		align = int64(a)
	}
	f.dataOffset = (cr.n + align - 1) / align * align
	return f, nil
}

// Close releases the file opened by Open.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

// Tensor looks up a tensor by name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	i, ok := f.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensors[i], true
}

// ReadRaw returns the raw payload bytes of a tensor.
func (f *File) ReadRaw(name string) ([]byte, TensorInfo, error) {
	ti, ok := f.Tensor(name)
	if !ok {
		return nil, ti, fmt.Errorf("gguf: tensor %q not found", name)
	}
	size, err := ti.Type.RowSize(ti.Elements())
	if err != nil {
		return nil, ti, fmt.Errorf("gguf: tensor %q: %w", name, err)
	}
	buf := make([]byte, size)
	if _, err := f.r.ReadAt(buf, f.dataOffset+int64(ti.Offset)); err != nil {
		return nil, ti, fmt.Errorf("gguf: read tensor %q: %w", name, err)
	}
	return buf, ti, nil
}

// ReadF32 returns a tensor dequantized to float32.
func (f *File) ReadF32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := f.ReadRaw(name)
	if err != nil {
		return nil, ti, err
	}
	out, err := Dequantize(ti.Type, raw, ti.Elements())
	if err != nil {
		return nil, ti, fmt.Errorf("gguf: tensor %q: %w", name, err)
	}
	return out, ti, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// maxStringLen guards against corrupt length prefixes.
const maxStringLen = 1 << 30

func readString(r io.Reader) (string, error) {
	n, err := readU64(r)
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d too large", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readValue(r io.Reader, t ValueType) (any, error) {
	switch t {
	case TypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeUint32:
		return readU32(r)
	case TypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case TypeString:
		return readString(r)
	case TypeUint64:
		return readU64(r)
	case TypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case TypeArray:
		et, err := readU32(r)
		if err != nil {
			return nil, err
		}
		n, err := readU64(r)
		if err != nil {
			return nil, err
		}
		if n > maxStringLen {
			return nil, fmt.Errorf("array length %d too large", n)
		}
		out := make([]any, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := readValue(r, ValueType(et))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown value type %d", t)
}
