package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/RoaringBitmap/roaring"
)

// SplitIndices picks which of n rows go to the eval subset. The eval subset
// has ceil(testSize*n) rows; the same seed always picks the same rows.
func SplitIndices(n int, testSize float64, seed int64) (*roaring.Bitmap, error) {
	if testSize <= 0 || testSize >= 1 {
		return nil, fmt.Errorf("%w: test size %v must be in (0, 1)", ErrInvalidSplit, testSize)
	}
	nTest := int(math.Ceil(testSize*float64(n) - 1e-9))
	if nTest < 1 || n-nTest < 1 {
		return nil, fmt.Errorf("%w: %d rows with test size %v leaves an empty subset", ErrInvalidSplit, n, testSize)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	eval := roaring.New()
	for _, idx := range perm[:nTest] {
		eval.Add(uint32(idx))
	}
	return eval, nil
}

// Split partitions records into train and eval subsets. Both keep the input's
// relative order, never share a row, and together hold every row.
func Split(records []Comment, testSize float64, seed int64) (train, eval []Comment, err error) {
	evalIdx, err := SplitIndices(len(records), testSize, seed)
	if err != nil {
		return nil, nil, err
	}
	train = make([]Comment, 0, len(records)-int(evalIdx.GetCardinality()))
	eval = make([]Comment, 0, evalIdx.GetCardinality())
	for i, r := range records {
		if evalIdx.Contains(uint32(i)) {
			eval = append(eval, r)
		} else {
			train = append(train, r)
		}
	}
	if len(train)+len(eval) != len(records) || uint64(len(eval)) != evalIdx.GetCardinality() {
		return nil, nil, fmt.Errorf("%w: partition sizes %d+%d do not cover %d rows", ErrInvalidSplit, len(train), len(eval), len(records))
	}
	return train, eval, nil
}
