package bot

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/xyths/ganymede/event"
)

const (
	simMinPrice = 10.0
	simMaxPrice = 1000.0
)

// Simulation is a random walk with a slow sine drift, clamped to
// [10, 1000]. Orders are always paper trades.
type Simulation struct {
	emit func(level, msg string)

	mu         sync.Mutex
	rnd        *rand.Rand
	now        func() time.Time
	lastPrice  float64
	volatility float64
}

func NewSimulation(emit func(level, msg string), rnd *rand.Rand) *Simulation {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulation{emit: emit, rnd: rnd, now: time.Now}
}

func (s *Simulation) Connect(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrice = 100.0 + s.rnd.Float64()*50.0
	s.volatility = 0.02 + s.rnd.Float64()*0.03
	s.emit(event.Info, "Simulation Connector Initialized.")
	return nil
}

func (s *Simulation) Price(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPrice == 0 {
		return 0, ErrPriceUnavailable
	}
	trend := math.Sin(float64(s.now().Unix())/100.0) * 0.001
	noise := (s.rnd.Float64() - 0.5) * s.volatility
	s.lastPrice *= 1 + trend + noise
	s.lastPrice = math.Max(simMinPrice, math.Min(simMaxPrice, s.lastPrice))
	return s.lastPrice, nil
}

func (s *Simulation) PlaceOrder(ctx context.Context, o Order) error {
	paperTrade(s.emit, o)
	return nil
}

func (s *Simulation) Close() error {
	return nil
}
