package trainer

// Schedule computes the learning rate for a given optimizer step. The rate
// ramps linearly from 0 to the peak over the warmup window, then holds.
type Schedule struct {
	Peak        float64
	WarmupSteps int
}

// At returns the learning rate applied by optimizer update number step
// (1-based).
func (s Schedule) At(step int) float64 {
	if s.WarmupSteps > 0 && step <= s.WarmupSteps {
		return s.Peak * float64(step) / float64(s.WarmupSteps)
	}
	return s.Peak
}
