package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// hashBackbone is a deterministic stand-in for a pretrained encoder: every
// token id owns a fixed pseudo-random embedding derived from sha256, and a
// sequence is the masked mean of its token embeddings.
type hashBackbone struct {
	dims  int
	table sync.Map // int64 -> []float32
}

func NewHashBackbone(dims int) *hashBackbone {
	if dims <= 0 {
		dims = 384
	}
	return &hashBackbone{dims: dims}
}

func (h *hashBackbone) Dimensions() int { return h.dims }

func (h *hashBackbone) Descriptor() Descriptor {
	return Descriptor{Name: "hash", Dims: h.dims}
}

func (h *hashBackbone) Encode(ctx context.Context, inputIDs, attentionMasks [][]int64) ([][]float32, error) {
	if len(inputIDs) != len(attentionMasks) {
		return nil, fmt.Errorf("input ids and masks differ in batch size: %d vs %d", len(inputIDs), len(attentionMasks))
	}
	out := make([][]float32, len(inputIDs))
	for i, ids := range inputIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(ids) != len(attentionMasks[i]) {
			return nil, fmt.Errorf("row %d: ids and mask differ in length", i)
		}
		hidden := make([]float32, len(ids)*h.dims)
		for s, id := range ids {
			copy(hidden[s*h.dims:(s+1)*h.dims], h.tokenVector(id))
		}
		out[i] = MeanPool(hidden, len(ids), h.dims, attentionMasks[i])
	}
	return out, nil
}

func (h *hashBackbone) tokenVector(id int64) []float32 {
	if v, ok := h.table.Load(id); ok {
		return v.([]float32)
	}
	vec := make([]float32, h.dims)
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(id))
	for block := 0; block*sha256.Size < h.dims; block++ {
		binary.LittleEndian.PutUint64(seed[8:], uint64(block))
		sum := sha256.Sum256(seed[:])
		for j, b := range sum {
			k := block*sha256.Size + j
			if k >= h.dims {
				break
			}
			vec[k] = (float32(int(b)) - 128.0) / 128.0
		}
	}
	actual, _ := h.table.LoadOrStore(id, vec)
	return actual.([]float32)
}
