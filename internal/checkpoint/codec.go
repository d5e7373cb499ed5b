package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/x448/float16"

	"maskflow/internal/errtypes"
	"maskflow/internal/optim"
	"maskflow/internal/tensor"
)

const CurrentCodecVersion = 2

var magic = [4]byte{'M', 'F', 'C', 'K'}

var (
	ErrCorrupt         = errors.New("checkpoint payload is corrupt")
	ErrVersionMismatch = errors.New("checkpoint codec version mismatch")
)

// Precision selects the width of stored parameter floats. Optimizer slots
// are always stored at float64: Adam's second moments sit far below the
// float16 subnormal range.
type Precision string

const (
	Float64 Precision = "float64"
	Float32 Precision = "float32"
	Float16 Precision = "float16"
)

func (p Precision) tag() (byte, int, error) {
	switch p {
	case Float64, "":
		return 0, 8, nil
	case Float32:
		return 1, 4, nil
	case Float16:
		return 2, 2, nil
	}
	return 0, 0, &errtypes.InvalidConfigurationError{Field: "checkpoint_precision", Value: string(p)}
}

func precisionFromTag(tag byte) (Precision, int, error) {
	switch tag {
	case 0:
		return Float64, 8, nil
	case 1:
		return Float32, 4, nil
	case 2:
		return Float16, 2, nil
	}
	return "", 0, fmt.Errorf("%w: unknown precision tag %d", ErrCorrupt, tag)
}

// ParsePrecision validates a configured precision name.
func ParsePrecision(s string) (Precision, error) {
	p := Precision(s)
	if _, _, err := p.tag(); err != nil {
		return "", err
	}
	if p == "" {
		p = Float64
	}
	return p, nil
}

// header is the JSON section that describes the float blob that follows.
type header struct {
	ID         string                `json:"id"`
	Epoch      int                   `json:"epoch"`
	CreatedAt  time.Time             `json:"created_at"`
	Tensors    []tensorEntry         `json:"tensors"`
	Params     int                   `json:"params"`
	Optimizers map[string]optimEntry `json:"optimizers"`
}

type tensorEntry struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Offset int    `json:"offset"`
}

type optimEntry struct {
	Kind  optim.Kind  `json:"kind"`
	Steps int         `json:"steps"`
	LR    float64     `json:"lr"`
	Slots []slotEntry `json:"slots"`
}

type slotEntry struct {
	Param  string `json:"param"`
	Name   string `json:"name"`
	Offset int    `json:"offset"`
	Count  int    `json:"count"`
}

// Encode serialises rec as magic, codec version, precision tag, header
// length, JSON header, the parameter blob at precision p and the optimizer
// slot blob at float64. All floats are little-endian.
func Encode(rec Record, p Precision) ([]byte, error) {
	tag, width, err := p.tag()
	if err != nil {
		return nil, err
	}
	h := header{ID: rec.ID, Epoch: rec.Epoch, CreatedAt: rec.CreatedAt, Optimizers: make(map[string]optimEntry, len(rec.Optimizers))}
	var values, slots []float64

	names := make([]string, 0, len(rec.Model))
	for name := range rec.Model {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := rec.Model[name]
		h.Tensors = append(h.Tensors, tensorEntry{Name: name, Shape: t.Shape, Offset: len(values)})
		values = append(values, t.Data...)
	}
	keys := make([]string, 0, len(rec.Optimizers))
	for k := range rec.Optimizers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := rec.Optimizers[k]
		e := optimEntry{Kind: s.Kind, Steps: s.Steps, LR: s.LR}
		for _, slot := range s.Slots {
			e.Slots = append(e.Slots, slotEntry{Param: slot.Param, Name: slot.Name, Offset: len(slots), Count: len(slot.Data)})
			slots = append(slots, slot.Data...)
		}
		h.Optimizers[k] = e
	}
	h.Params = len(values)

	meta, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint header: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(11 + len(meta) + width*len(values) + 8*len(slots))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint16(CurrentCodecVersion))
	buf.WriteByte(tag)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(meta)))
	buf.Write(meta)

	blob := make([]byte, width*len(values)+8*len(slots))
	for i, v := range values {
		putFloat(blob[i*width:], v, width)
	}
	tail := blob[width*len(values):]
	for i, v := range slots {
		putFloat(tail[i*8:], v, 8)
	}
	buf.Write(blob)
	return buf.Bytes(), nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Record, error) {
	if len(data) < 11 || !bytes.Equal(data[:4], magic[:]) {
		return Record{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != CurrentCodecVersion {
		return Record{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, CurrentCodecVersion)
	}
	_, width, err := precisionFromTag(data[6])
	if err != nil {
		return Record{}, err
	}
	n := int(binary.LittleEndian.Uint32(data[7:11]))
	if len(data) < 11+n {
		return Record{}, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	var h header
	if err := json.Unmarshal(data[11:11+n], &h); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	blob := data[11+n:]
	if h.Params < 0 || h.Params*width > len(blob) {
		return Record{}, fmt.Errorf("%w: parameter blob truncated", ErrCorrupt)
	}
	params, slots := blob[:h.Params*width], blob[h.Params*width:]
	if len(slots)%8 != 0 {
		return Record{}, fmt.Errorf("%w: slot blob is not a whole number of floats", ErrCorrupt)
	}
	reader := func(b []byte, width int) func(offset, length int) ([]float64, error) {
		count := len(b) / width
		return func(offset, length int) ([]float64, error) {
			if offset < 0 || length < 0 || offset+length > count {
				return nil, fmt.Errorf("%w: range [%d,%d) outside blob of %d floats", ErrCorrupt, offset, offset+length, count)
			}
			out := make([]float64, length)
			for i := range out {
				out[i] = getFloat(b[(offset+i)*width:], width)
			}
			return out, nil
		}
	}
	readParam, readSlot := reader(params, width), reader(slots, 8)

	rec := Record{
		ID:         h.ID,
		Epoch:      h.Epoch,
		CreatedAt:  h.CreatedAt,
		Model:      make(map[string]*tensor.Tensor, len(h.Tensors)),
		Optimizers: make(map[string]optim.State, len(h.Optimizers)),
	}
	for _, e := range h.Tensors {
		vals, err := readParam(e.Offset, tensor.Volume(e.Shape))
		if err != nil {
			return Record{}, fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		t, err := tensor.FromData(vals, e.Shape...)
		if err != nil {
			return Record{}, fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		rec.Model[e.Name] = t
	}
	for k, e := range h.Optimizers {
		s := optim.State{Kind: e.Kind, Steps: e.Steps, LR: e.LR}
		for _, slot := range e.Slots {
			vals, err := readSlot(slot.Offset, slot.Count)
			if err != nil {
				return Record{}, fmt.Errorf("optimizer %s slot %s/%s: %w", k, slot.Param, slot.Name, err)
			}
			s.Slots = append(s.Slots, optim.Slot{Param: slot.Param, Name: slot.Name, Data: vals})
		}
		rec.Optimizers[k] = s
	}
	return rec, nil
}

func putFloat(b []byte, v float64, width int) {
	switch width {
	case 8:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case 4:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case 2:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	}
}

func getFloat(b []byte, width int) float64 {
	switch width {
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	}
}
