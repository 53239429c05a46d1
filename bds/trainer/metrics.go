package trainer

import "fmt"

// Metrics is the result of one evaluation pass.
type Metrics struct {
	Loss     float64 `json:"eval_loss"`
	Accuracy float64 `json:"eval_accuracy"`
	Samples  int     `json:"eval_samples"`
}

// Accuracy returns the fraction of predictions equal to their target.
func Accuracy(predictions, targets []int) (float64, error) {
	if len(predictions) != len(targets) {
		return 0, fmt.Errorf("got %d predictions for %d targets", len(predictions), len(targets))
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("accuracy of an empty set is undefined")
	}
	correct := 0
	for i, p := range predictions {
		if p == targets[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(targets)), nil
}
