// Package safetensors reads the safetensors weight format and the Hugging
// Face config.json that accompanies it.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"chatd/internal/gguf"
)

// maxHeaderLen bounds the JSON header size.
const maxHeaderLen = 100 << 20

// TensorInfo describes one entry of the header.
type TensorInfo struct {
	Name        string   `json:"-"`
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements returns the number of scalar elements.
func (t TensorInfo) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// File is an open safetensors file.
type File struct {
	Metadata map[string]string
	tensors  map[string]TensorInfo
	base     int64
	r        io.ReaderAt
	closer   io.Closer
}

// Open parses the header of the safetensors file at path.
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

// Parse reads the header from r.
func Parse(r io.ReaderAt) (*File, error) {
	var lenBuf [8]byte
	if _, err := r.ReadAt(lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("safetensors: header length: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n == 0 || n > maxHeaderLen {
		return nil, fmt.Errorf("safetensors: header length %d out of range", n)
	}
	hdr := make([]byte, n)
	if _, err := r.ReadAt(hdr, 8); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: header json: %w", err)
	}
	f := &File{tensors: make(map[string]TensorInfo, len(raw)), base: 8 + int64(n), r: r}
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: metadata: %w", err)
			}
			continue
		}
		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}
		ti.Name = name
		f.tensors[name] = ti
	}
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

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.tensors))
	for n := range f.tensors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Tensor looks up a tensor by name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	ti, ok := f.tensors[name]
	return ti, ok
}

// ReadF32 returns the tensor converted to float32, row-major.
func (f *File) ReadF32(name string) ([]float32, TensorInfo, error) {
	ti, ok := f.tensors[name]
	if !ok {
		return nil, ti, fmt.Errorf("safetensors: tensor %q not found", name)
	}
	size := ti.DataOffsets[1] - ti.DataOffsets[0]
	var width int64
	switch ti.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, ti, fmt.Errorf("safetensors: tensor %q: unsupported dtype %s", name, ti.DType)
	}
	n := ti.Elements()
	if size != int64(n)*width {
		return nil, ti, fmt.Errorf("safetensors: tensor %q: %d bytes for %d elements", name, size, n)
	}
	buf := make([]byte, size)
	if _, err := f.r.ReadAt(buf, f.base+ti.DataOffsets[0]); err != nil {
		return nil, ti, fmt.Errorf("safetensors: read %q: %w", name, err)
	}
	out := make([]float32, n)
	switch ti.DType {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = gguf.HalfToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
		}
	}
	return out, ti, nil
}
