package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

type tensorMeta struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// writeSafetensors stores tensors as F64 in safetensors layout: an 8-byte LE
// header length, the JSON header (space-padded to 8 bytes), then raw data in
// header key order.
func writeSafetensors(path string, params []Param) error {
	sorted := append([]Param(nil), params...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	header["__metadata__"] = map[string]string{"format": "bds"}
	offset := 0
	for _, p := range sorted {
		n := 1
		for _, d := range p.Shape {
			n *= d
		}
		if n != len(p.Data) {
			return fmt.Errorf("safetensors: %s has %d values for shape %v", p.Name, len(p.Data), p.Shape)
		}
		header[p.Name] = tensorMeta{Dtype: "F64", Shape: p.Shape, DataOffsets: [2]int{offset, offset + n*8}}
		offset += n * 8
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	buf := make([]byte, 8, 8+len(hdr)+offset)
	binary.LittleEndian.PutUint64(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	for _, p := range sorted {
		for _, v := range p.Data {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return os.WriteFile(path, buf, 0o644)
}

// readSafetensors loads every F64 or F32 tensor in the file.
func readSafetensors(path string) (map[string]Param, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %d bytes", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size", headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("safetensors: failed to parse header: %w", err)
	}
	body := data[8+headerLen:]

	out := make(map[string]Param, len(header))
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var meta tensorMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		start, end := meta.DataOffsets[0], meta.DataOffsets[1]
		if start < 0 || end < start || end > len(body) {
			return nil, fmt.Errorf("safetensors: tensor %s range [%d:%d] exceeds data size %d", name, start, end, len(body))
		}
		n := 1
		for _, d := range meta.Shape {
			n *= d
		}
		raw := body[start:end]
		values := make([]float64, n)
		switch meta.Dtype {
		case "F64":
			if len(raw) != n*8 {
				return nil, fmt.Errorf("safetensors: tensor %s size %d doesn't match shape %v", name, len(raw), meta.Shape)
			}
			for i := range values {
				values[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
			}
		case "F32":
			if len(raw) != n*4 {
				return nil, fmt.Errorf("safetensors: tensor %s size %d doesn't match shape %v", name, len(raw), meta.Shape)
			}
			for i := range values {
				values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
			}
		default:
			return nil, fmt.Errorf("safetensors: tensor %s has unsupported dtype %s", name, meta.Dtype)
		}
		out[name] = Param{Name: name, Shape: meta.Shape, Data: values}
	}
	return out, nil
}
