package dataset

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding/tokenizer"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/labels"
)

// Example is a Comment encoded for the model.
type Example struct {
	InputIDs      []int64
	AttentionMask []int64
	LabelID       int
}

// Encode tokenizes records and maps their labels through mapping. The result
// has one Example per record, in the same order. mapping must already cover
// every label; an unseen label fails with labels.ErrUnmappedLabel.
func Encode(ctx context.Context, records []Comment, mapping *labels.Mapping, tok tokenizer.Tokenizer) ([]Example, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := mapping.EncodeAll(Labels(records))
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	inputIDs, masks, err := tok.Tokenize(Texts(records))
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(inputIDs) != len(records) {
		return nil, fmt.Errorf("tokenizer returned %d rows for %d records", len(inputIDs), len(records))
	}
	out := make([]Example, len(records))
	for i := range records {
		out[i] = Example{InputIDs: inputIDs[i], AttentionMask: masks[i], LabelID: ids[i]}
	}
	return out, nil
}
