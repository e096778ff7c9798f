package training

// DefaultStopWindow is the number of trailing validation losses the
// overfitting guard compares against.
const DefaultStopWindow = 15

// Overfitting reports whether the last validation loss of history is strictly
// greater than every one of the window losses recorded before it. Histories
// of window values or fewer never trigger.
func Overfitting(history []float64, window int) bool {
	if window <= 0 || len(history) <= window {
		return false
	}
	current := history[len(history)-1]
	for _, prev := range history[len(history)-1-window : len(history)-1] {
		if !(prev < current) {
			return false
		}
	}
	return true
}
