// Package event defines the notifications the bot runtime and the session
// publish to operators.
package event

import (
	"sync"
	"time"
)

type Kind string

const (
	KindStatus      Kind = "status"
	KindPriceTick   Kind = "price"
	KindTradeSignal Kind = "signal"
	KindIndicators  Kind = "indicators"
	KindPerformance Kind = "performance"
	KindUptime      Kind = "uptime"
	KindLog         Kind = "log"
)

// Log levels.
const (
	Info    = "info"
	Success = "success"
	Warning = "warning"
	Error   = "error"
	Signal  = "signal"
)

type Performance struct {
	Trades  int     `json:"trades"`
	WinRate float64 `json:"winRate"`
	Price   float64 `json:"price"`
	PnL     float64 `json:"pnl"`
}

// Event is a tagged union; only the fields of its Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`
	// Run identifies the runtime start that produced the event.
	Run uint64 `json:"run,omitempty"`

	Level       string             `json:"level,omitempty"`
	Message     string             `json:"message,omitempty"`
	Status      string             `json:"status,omitempty"`
	Price       float64            `json:"price,omitempty"`
	Signal      string             `json:"signal,omitempty"`
	Indicators  map[string]float64 `json:"indicators,omitempty"`
	Performance *Performance       `json:"performance,omitempty"`
	Uptime      string             `json:"uptime,omitempty"`
}

func Log(level, message string) Event {
	return Event{Kind: KindLog, Time: time.Now(), Level: level, Message: message}
}

func Status(status string) Event {
	return Event{Kind: KindStatus, Time: time.Now(), Status: status}
}

func PriceTick(price float64, t time.Time) Event {
	return Event{Kind: KindPriceTick, Time: t, Price: price}
}

func TradeSignal(signal string, price float64, t time.Time) Event {
	return Event{Kind: KindTradeSignal, Time: t, Signal: signal, Price: price}
}

func Indicators(values map[string]float64, t time.Time) Event {
	return Event{Kind: KindIndicators, Time: t, Indicators: values}
}

func PerformanceStats(p Performance) Event {
	return Event{Kind: KindPerformance, Time: time.Now(), Performance: &p}
}

func Uptime(d time.Duration) Event {
	return Event{Kind: KindUptime, Time: time.Now(), Uptime: d.Round(time.Second).String()}
}

// Sink receives events. Publish must not block for long: it is called from
// the tick loop.
type Sink interface {
	Publish(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Fanout publishes to every subscribed sink in subscription order.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
}

func (f *Fanout) Subscribe(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *Fanout) Publish(e Event) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(e)
	}
}

// Ring keeps the last N events for late subscribers.
type Ring struct {
	mu     sync.Mutex
	size   int
	events []Event
}

func NewRing(size int) *Ring {
	return &Ring{size: size}
}

func (r *Ring) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= r.size {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
	}
	r.events = append(r.events, e)
}

func (r *Ring) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
