package metrics

type (
	nopCounter struct{}
	nopTimer   struct{}
)

func (nopCounter) Inc()           {}
func (nopCounter) Add(float64)    {}
func (nopTimer) ObserveDuration() {}

// NopCounter returns a Counter that discards every increment.
func NopCounter() Counter { return nopCounter{} }

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
