package series

import (
	"sort"
	"sync"
	"time"
)

const (
	Price      = "price"
	BuySignal  = "buy_signal"
	SellSignal = "sell_signal"

	DefaultCapacity = 2000
)

// Sample is one point of a channel. Samples are never mutated after Append.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Store keeps bounded, time ordered channels. The price channel is the primary
// one: its oldest sample is the low-water mark for every other channel.
type Store struct {
	mu       sync.RWMutex
	capacity int
	channels map[string][]Sample
}

type Option func(*Store)

func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithChannels registers auxiliary channels up front.
func WithChannels(names ...string) Option {
	return func(s *Store) {
		for _, name := range names {
			if _, ok := s.channels[name]; !ok {
				s.channels[name] = nil
			}
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		capacity: DefaultCapacity,
		channels: map[string][]Sample{
			Price:      nil,
			BuySignal:  nil,
			SellSignal: nil,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Capacity() int {
	return s.capacity
}

// Register declares auxiliary channels so AppendMany accepts them.
func (s *Store) Register(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.channels[name]; !ok {
			s.channels[name] = nil
		}
	}
}

// Append adds a sample to a registered channel and reports whether it was
// stored. Unknown channels are ignored. A sample older than the channel's
// last one is rejected, and an auxiliary sample older than the oldest price
// is dropped.
func (s *Store) Append(channel string, sample Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(channel, sample)
}

// AppendMany appends several channels sharing one timestamp. Names that are
// not registered are skipped: which overlays exist depends on the module.
func (s *Store) AppendMany(values map[string]float64, t time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for name, v := range values {
		if s.appendLocked(name, Sample{Time: t, Value: v}) {
			n++
		}
	}
	return n
}

func (s *Store) appendLocked(channel string, sample Sample) bool {
	samples, ok := s.channels[channel]
	if !ok {
		return false
	}
	if n := len(samples); n > 0 && sample.Time.Before(samples[n-1].Time) {
		return false
	}
	if channel != Price {
		if prices := s.channels[Price]; len(prices) > 0 && sample.Time.Before(prices[0].Time) {
			return false
		}
	}
	if len(samples) >= s.capacity {
		// drop the head in place; the backing array is reused until append grows it
		samples = evict(samples, len(samples)-s.capacity+1)
	}
	samples = append(samples, sample)
	s.channels[channel] = samples

	if channel == Price {
		s.pruneLocked(samples[0].Time)
	}
	return true
}

// pruneLocked discards the leading samples of every auxiliary channel that
// are older than the oldest price sample.
func (s *Store) pruneLocked(oldest time.Time) {
	for name, samples := range s.channels {
		if name == Price || len(samples) == 0 {
			continue
		}
		i := sort.Search(len(samples), func(i int) bool {
			return !samples[i].Time.Before(oldest)
		})
		if i > 0 {
			s.channels[name] = evict(samples, i)
		}
	}
}

func evict(samples []Sample, n int) []Sample {
	if n >= len(samples) {
		return samples[:0]
	}
	copy(samples, samples[n:])
	return samples[:len(samples)-n]
}

// Reset empties every channel. Registrations are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.channels {
		s.channels[name] = nil
	}
}

// Snapshot returns a copy of the channel as of the call.
func (s *Store) Snapshot(channel string) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.channels[channel]
	out := make([]Sample, len(samples))
	copy(out, samples)
	return out
}

// SnapshotAll copies every non-empty channel under one lock, so the result is
// mutually consistent.
func (s *Store) SnapshotAll() map[string][]Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Sample, len(s.channels))
	for name, samples := range s.channels {
		if len(samples) == 0 {
			continue
		}
		c := make([]Sample, len(samples))
		copy(c, samples)
		out[name] = c
	}
	return out
}

func (s *Store) Len(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channel])
}

// Oldest returns the first sample of the channel.
func (s *Store) Oldest(channel string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.channels[channel]
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[0], true
}

// Channels lists registered channel names in lexical order.
func (s *Store) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
