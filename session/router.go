package session

import (
	"github.com/xyths/ganymede/event"
	"github.com/xyths/ganymede/series"
	"github.com/xyths/ganymede/strategy"
)

// Router is the event sink of the bot runtime. Chart data goes into the
// series store, then every event is forwarded to the operator sink.
type Router struct {
	series *series.Store
	next   event.Sink
}

func NewRouter(s *series.Store, next event.Sink) *Router {
	return &Router{series: s, next: next}
}

func (r *Router) Publish(e event.Event) {
	switch e.Kind {
	case event.KindPriceTick:
		r.series.Append(series.Price, series.Sample{Time: e.Time, Value: e.Price})
	case event.KindTradeSignal:
		switch e.Signal {
		case strategy.Buy.String():
			r.series.Append(series.BuySignal, series.Sample{Time: e.Time, Value: e.Price})
		case strategy.Sell.String():
			r.series.Append(series.SellSignal, series.Sample{Time: e.Time, Value: e.Price})
		}
	case event.KindIndicators:
		r.series.AppendMany(e.Indicators, e.Time)
	}
	if r.next != nil {
		r.next.Publish(e)
	}
}
