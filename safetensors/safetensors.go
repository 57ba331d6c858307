// Package safetensors reads and writes float tensors in the safetensors
// format: an 8 byte little-endian header length, a JSON header, then the
// raw tensor bytes.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/jmorganca/sdpipe/tensor"
)

const (
	F32  = "F32"
	F16  = "F16"
	BF16 = "BF16"
)

// maxHeaderSize bounds the JSON header read from untrusted files.
const maxHeaderSize = 100 << 20

type Info struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

func (i Info) Size() int64 {
	return i.Offsets[1] - i.Offsets[0]
}

// File is an opened safetensors file. Only the header is read up front.
type File struct {
	path     string
	n        int64
	infos    map[string]Info
	Metadata map[string]string
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("safetensors: %s: invalid header size %d", path, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}

	var headers map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}

	st := File{path: path, n: n, infos: make(map[string]Info, len(headers))}
	for k, v := range headers {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &st.Metadata); err != nil {
				return nil, fmt.Errorf("safetensors: %s: metadata: %w", path, err)
			}
			continue
		}

		var info Info
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("safetensors: %s: tensor %q: %w", path, k, err)
		}
		st.infos[k] = info
	}

	return &st, nil
}

// Names lists the tensor names in sorted order.
func (f *File) Names() []string {
	keys := maps.Keys(f.infos)
	slices.Sort(keys)
	return keys
}

func (f *File) Info(name string) (Info, bool) {
	info, ok := f.infos[name]
	return info, ok
}

// Tensor reads and decodes one tensor to float32.
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: %s: no tensor %q", f.path, name)
	}

	r, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if _, err := r.Seek(8+f.n+info.Offsets[0], io.SeekStart); err != nil {
		return nil, err
	}

	raw := make([]byte, info.Size())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("safetensors: %s: tensor %q: %w", f.path, name, err)
	}

	data, err := decode(info.DType, raw)
	if err != nil {
		return nil, err
	}

	if elems(info.Shape) != len(data) {
		return nil, fmt.Errorf("safetensors: tensor %q: shape %v does not match %d elements", name, info.Shape, len(data))
	}
	if len(info.Shape) == 0 {
		return tensor.FromSlice(data, 1), nil
	}
	return tensor.FromSlice(data, info.Shape...), nil
}

func elems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func decode(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case F32:
		f32s := make([]float32, len(raw)/4)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case F16:
		u16s := make([]uint16, len(raw)/2)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		return nil, fmt.Errorf("safetensors: unknown data type: %s", dtype)
	}
}

func encode(dtype string, f32s []float32) ([]byte, error) {
	var buf bytes.Buffer
	switch dtype {
	case F32:
		if err := binary.Write(&buf, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case F16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		if err := binary.Write(&buf, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}
	case BF16:
		buf.Write(bfloat16.EncodeFloat32(f32s))
	default:
		return nil, fmt.Errorf("safetensors: unknown data type: %s", dtype)
	}
	return buf.Bytes(), nil
}

var ErrNoTensors = errors.New("safetensors: no tensors")

// Write encodes tensors to w in dtype, ordered by name.
func Write(w io.Writer, tensors map[string]*tensor.Tensor, dtype string, metadata map[string]string) error {
	if len(tensors) == 0 {
		return ErrNoTensors
	}

	names := maps.Keys(tensors)
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var data bytes.Buffer
	for _, name := range names {
		b, err := encode(dtype, tensors[name].Data)
		if err != nil {
			return err
		}

		start := int64(data.Len())
		data.Write(b)
		header[name] = Info{
			DType:   dtype,
			Shape:   tensors[name].Shape,
			Offsets: [2]int64{start, int64(data.Len())},
		}
	}

	h, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// pad the header so tensor data starts 8-byte aligned
	if pad := len(h) % 8; pad != 0 {
		h = append(h, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(h))); err != nil {
		return err
	}
	if _, err := w.Write(h); err != nil {
		return err
	}
	_, err = data.WriteTo(w)
	return err
}

func WriteFile(path string, tensors map[string]*tensor.Tensor, dtype string, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := Write(f, tensors, dtype, metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
