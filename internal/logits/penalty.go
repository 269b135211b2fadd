package logits

// ApplyRepeatPenalty scales the logit of every token in history once per
// occurrence: non-positive logits are multiplied by penalty, positive ones
// divided. A token seen k times ends up scaled by penalty^k.
//
// Callers must reject penalty <= 0 before reaching this point.
func ApplyRepeatPenalty(c *Candidates, history []int32, penalty float32) {
	if penalty == 1 || len(history) == 0 {
		return
	}
	for _, id := range history {
		td := c.Find(id)
		if td == nil {
			continue
		}
		if td.Logit <= 0 {
			td.Logit *= penalty
		} else {
			td.Logit /= penalty
		}
	}
	c.Sorted = false
}
