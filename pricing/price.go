package pricing

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

const (
	MinPrice = 1.00
	MaxPrice = 51.00
)

type PriceResult struct {
	ID    int64   `json:"id"`
	Price float64 `json:"price"`
}

// Quoter produces a price for an id. Implementations run on pool workers
// and must not hold on to request or tracing state.
type Quoter interface {
	Quote(id int64) PriceResult
}

type QuoterFunc func(id int64) PriceResult

func (f QuoterFunc) Quote(id int64) PriceResult { return f(id) }

// RandomQuoter returns a random price in [MinPrice, MaxPrice) rounded to cents.
type RandomQuoter struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomQuoter(seed uint64) *RandomQuoter {
	return &RandomQuoter{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (q *RandomQuoter) Quote(id int64) PriceResult {
	q.mu.Lock()
	f := q.rng.Float64()
	q.mu.Unlock()

	return newPriceResult(id, MinPrice+f*(MaxPrice-MinPrice))
}

// Quote uses the process-wide random source.
func Quote(id int64) PriceResult {
	return newPriceResult(id, MinPrice+rand.Float64()*(MaxPrice-MinPrice))
}

func newPriceResult(id int64, raw float64) PriceResult {
	price := Round2(raw)
	// rounding 50.995.. up lands on the exclusive bound
	if price >= MaxPrice {
		price = Round2(MaxPrice - 0.01)
	}
	if price < MinPrice || price >= MaxPrice || math.IsNaN(price) {
		panic(fmt.Sprintf("price %v for id %d outside [%.2f, %.2f)", price, id, MinPrice, MaxPrice))
	}
	return PriceResult{ID: id, Price: price}
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
