package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/bds-sentiment/bds/embedding/tokenizer"
	"github.com/ZanzyTHEbar/bds-sentiment/bds/labels"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Id,Comment,Sentiment
1,"The movie was great!",positive
2,"terrible service , very slow",negative
3,ok,neutral
4,"I love it, really",positive
`

func TestReadWithDefaultColumns(t *testing.T) {
	records, err := Read(strings.NewReader(sampleCSV), "Comment", "Sentiment")
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, Comment{Text: "The movie was great!", Label: "positive"}, records[0])
	assert.Equal(t, Comment{Text: "I love it, really", Label: "positive"}, records[3])
	assert.Equal(t, []string{"positive", "negative", "neutral", "positive"}, Labels(records))
}

func TestReadCustomColumnsAndTolerance(t *testing.T) {
	in := "\ufefflabel , body\nneg, so \"bad\" here\npos,good\n"
	records, err := Read(strings.NewReader(in), "body", "label")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "neg", records[0].Label)
	assert.Equal(t, `so "bad" here`, records[0].Text)
	assert.Equal(t, Comment{Text: "good", Label: "pos"}, records[1])
}

func TestReadMissingColumn(t *testing.T) {
	_, err := Read(strings.NewReader(sampleCSV), "Text", "Sentiment")
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = Read(strings.NewReader(sampleCSV), "Comment", "Label")
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestReadEmpty(t *testing.T) {
	_, err := Read(strings.NewReader(""), "Comment", "Sentiment")
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = Read(strings.NewReader("Comment,Sentiment\n"), "Comment", "Sentiment")
	assert.ErrorIs(t, err, ErrEmptyDataset)

	// blank lines are skipped by the csv reader, so this has no header either
	_, err = Read(strings.NewReader("\n\n"), "Comment", "Sentiment")
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), "Comment", "Sentiment")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comments.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	records, err := Load(path, "Comment", "Sentiment")
	require.NoError(t, err)
	assert.Len(t, records, 4)

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), "Comment", "Sentiment")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func makeRecords(n int) []Comment {
	out := make([]Comment, n)
	for i := range out {
		out[i] = Comment{Text: fmt.Sprintf("comment %d", i), Label: []string{"positive", "negative", "neutral"}[i%3]}
	}
	return out
}

func TestSplitPartitionsRows(t *testing.T) {
	for _, n := range []int{2, 5, 10, 37, 100} {
		for _, f := range []float64{0.1, 0.2, 0.25, 0.5, 0.7} {
			t.Run(fmt.Sprintf("n=%d/f=%v", n, f), func(t *testing.T) {
				records := makeRecords(n)
				train, eval, err := Split(records, f, 42)
				if err != nil {
					assert.ErrorIs(t, err, ErrInvalidSplit)
					return
				}
				assert.Equal(t, n, len(train)+len(eval))
				assert.InDelta(t, f*float64(n), float64(len(eval)), 1.0)

				seen := make(map[string]bool, n)
				for _, r := range append(append([]Comment{}, train...), eval...) {
					assert.False(t, seen[r.Text], "row %q appears twice", r.Text)
					seen[r.Text] = true
				}
				assert.Len(t, seen, n)
			})
		}
	}
}

func TestSplitSizes(t *testing.T) {
	train, eval, err := Split(makeRecords(10), 0.2, 42)
	require.NoError(t, err)
	assert.Len(t, eval, 2)
	assert.Len(t, train, 8)

	_, eval, err = Split(makeRecords(10), 0.7, 1)
	require.NoError(t, err)
	assert.Len(t, eval, 7)

	_, eval, err = Split(makeRecords(11), 0.2, 1)
	require.NoError(t, err)
	assert.Len(t, eval, 3)
}

func TestSplitIsDeterministic(t *testing.T) {
	records := makeRecords(50)
	trainA, evalA, err := Split(records, 0.2, 7)
	require.NoError(t, err)
	trainB, evalB, err := Split(records, 0.2, 7)
	require.NoError(t, err)
	assert.Equal(t, trainA, trainB)
	assert.Equal(t, evalA, evalB)

	a, err := SplitIndices(50, 0.2, 7)
	require.NoError(t, err)
	b, err := SplitIndices(50, 0.2, 8)
	require.NoError(t, err)
	assert.False(t, a.Equals(b), "different seeds should pick different rows")
}

func TestSplitKeepsOrder(t *testing.T) {
	records := makeRecords(20)
	train, eval, err := Split(records, 0.25, 3)
	require.NoError(t, err)
	indexOf := func(c Comment) int {
		var i int
		fmt.Sscanf(c.Text, "comment %d", &i)
		return i
	}
	for _, part := range [][]Comment{train, eval} {
		for i := 1; i < len(part); i++ {
			assert.Less(t, indexOf(part[i-1]), indexOf(part[i]))
		}
	}
}

func TestSplitInvalid(t *testing.T) {
	_, _, err := Split(makeRecords(1), 0.2, 42)
	assert.ErrorIs(t, err, ErrInvalidSplit)
	_, _, err = Split(makeRecords(10), 0, 42)
	assert.ErrorIs(t, err, ErrInvalidSplit)
	_, _, err = Split(makeRecords(10), 1, 42)
	assert.ErrorIs(t, err, ErrInvalidSplit)
}

func TestEncode(t *testing.T) {
	tok, err := tokenizer.LoadWordPieceFromVocab("../embedding/tokenizer/testdata/vocab.txt", 16)
	require.NoError(t, err)

	records := []Comment{
		{Text: "The movie was great!", Label: "positive"},
		{Text: "", Label: "neutral"},
		{Text: "bad", Label: "negative"},
	}
	mapping, err := labels.Fit(Labels(records))
	require.NoError(t, err)

	examples, err := Encode(context.Background(), records, mapping, tok)
	require.NoError(t, err)
	require.Len(t, examples, 3)

	assert.Equal(t, 2, examples[0].LabelID)
	assert.Equal(t, 1, examples[1].LabelID)
	assert.Equal(t, 0, examples[2].LabelID)
	for _, ex := range examples {
		assert.Len(t, ex.InputIDs, 7)
		assert.Len(t, ex.AttentionMask, 7)
	}
	assert.Equal(t, []int64{1, 1, 0, 0, 0, 0, 0}, examples[1].AttentionMask)
}

func TestEncodeUnmappedLabel(t *testing.T) {
	tok, err := tokenizer.LoadWordPieceFromVocab("../embedding/tokenizer/testdata/vocab.txt", 16)
	require.NoError(t, err)

	mapping, err := labels.Fit([]string{"positive", "negative"})
	require.NoError(t, err)

	_, err = Encode(context.Background(), []Comment{{Text: "ok", Label: "neutral"}}, mapping, tok)
	assert.ErrorIs(t, err, labels.ErrUnmappedLabel)
}
