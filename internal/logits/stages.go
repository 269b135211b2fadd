package logits

import (
	"math"
	"math/rand"
	"slices"
)

// Softmax sorts the table and fills P with normalized probabilities.
func Softmax(c *Candidates) {
	if len(c.Data) == 0 {
		return
	}
	c.sortDesc()

	maxL := c.Data[0].Logit
	var sum float64
	for i := range c.Data {
		p := math.Exp(float64(c.Data[i].Logit - maxL))
		c.Data[i].P = float32(p)
		sum += p
	}
	if sum == 0 {
		return
	}
	for i := range c.Data {
		c.Data[i].P = float32(float64(c.Data[i].P) / sum)
	}
}

// TopK keeps the k highest logits. k <= 0 keeps everything.
func TopK(c *Candidates, k, minKeep int) {
	if k <= 0 {
		k = len(c.Data)
	}
	k = max(k, minKeep)
	k = min(k, len(c.Data))
	c.sortDesc()
	c.Data = c.Data[:k]
}

// TailFree drops the tail whose normalized second derivative mass exceeds z.
func TailFree(c *Candidates, z float32, minKeep int) {
	if z >= 1 || len(c.Data) <= 2 {
		return
	}
	Softmax(c)

	n := len(c.Data)
	first := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		first[i] = float64(c.Data[i].P - c.Data[i+1].P)
	}
	second := make([]float64, n-2)
	var sum float64
	for i := 0; i < n-2; i++ {
		second[i] = math.Abs(first[i] - first[i+1])
		sum += second[i]
	}
	if sum > 0 {
		for i := range second {
			second[i] /= sum
		}
	}

	last := n
	var cum float64
	for i := range second {
		cum += second[i]
		if cum > float64(z) && i >= minKeep {
			last = i
			break
		}
	}
	c.Data = c.Data[:last]
}

// Typical keeps the candidates whose surprisal is closest to the entropy of
// the distribution until their mass reaches p.
func Typical(c *Candidates, p float32, minKeep int) {
	if p >= 1 || len(c.Data) == 0 {
		return
	}
	Softmax(c)

	var entropy float64
	for _, td := range c.Data {
		if td.P > 0 {
			entropy -= float64(td.P) * math.Log(float64(td.P))
		}
	}

	type shifted struct {
		idx   int
		score float64
	}
	order := make([]shifted, len(c.Data))
	for i, td := range c.Data {
		order[i] = shifted{idx: i, score: math.Abs(-math.Log(float64(td.P)) - entropy)}
	}
	slices.SortStableFunc(order, func(a, b shifted) int {
		switch {
		case a.score < b.score:
			return -1
		case a.score > b.score:
			return 1
		}
		return 0
	})

	last := len(order)
	var cum float64
	for i, s := range order {
		cum += float64(c.Data[s.idx].P)
		if cum > float64(p) && i >= minKeep-1 {
			last = i + 1
			break
		}
	}

	c.scratch = c.scratch[:0]
	for _, s := range order[:last] {
		c.scratch = append(c.scratch, c.Data[s.idx])
	}
	c.Data = c.Data[:last]
	copy(c.Data, c.scratch)
	c.Sorted = false
}

// TopP keeps the smallest prefix whose cumulative probability reaches p.
func TopP(c *Candidates, p float32, minKeep int) {
	if p >= 1 || len(c.Data) == 0 {
		return
	}
	Softmax(c)

	last := len(c.Data)
	var cum float64
	for i, td := range c.Data {
		cum += float64(td.P)
		if cum >= float64(p) && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	c.Data = c.Data[:last]
}

// Temperature divides every logit by t. A non-positive t, or one so small
// that a scaled logit leaves the float32 range, keeps only the highest logit,
// which makes the following draw deterministic.
func Temperature(c *Candidates, t float32) {
	if len(c.Data) == 0 {
		return
	}
	if t <= 0 || !scalable(c.Data, t) {
		best := argmax(c.Data)
		c.Data[0], c.Data[best] = c.Data[best], c.Data[0]
		c.Data = c.Data[:1]
		c.Sorted = true
		return
	}
	for i := range c.Data {
		c.Data[i].Logit /= t
	}
}

func scalable(data []TokenData, t float32) bool {
	for _, td := range data {
		if math.Abs(float64(td.Logit)/float64(t)) > math.MaxFloat32 {
			return false
		}
	}
	return true
}

// Dist draws a token from the softmax of the live candidates.
func Dist(c *Candidates, rng *rand.Rand) int32 {
	Softmax(c)
	if len(c.Data) == 0 {
		return -1
	}
	r := rng.Float64()
	var cum float64
	for _, td := range c.Data {
		cum += float64(td.P)
		if r < cum {
			return td.ID
		}
	}
	return c.Data[len(c.Data)-1].ID
}

// Argmax returns the id with the highest logit, lowest id on ties.
func Argmax(c *Candidates) int32 {
	if len(c.Data) == 0 {
		return -1
	}
	return c.Data[argmax(c.Data)].ID
}

func argmax(data []TokenData) int {
	best := 0
	for i := 1; i < len(data); i++ {
		d, b := data[i], data[best]
		if d.Logit > b.Logit || (d.Logit == b.Logit && d.ID < b.ID) {
			best = i
		}
	}
	return best
}
