package event

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	r := NewRing(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		r.Publish(Log(Info, msg))
	}
	events := r.Events()
	require.Len(t, events, 3)
	require.Equal(t, "b", events[0].Message)
	require.Equal(t, "d", events[2].Message)
}

func TestFanout(t *testing.T) {
	var f Fanout
	var got []Kind
	f.Subscribe(SinkFunc(func(e Event) { got = append(got, e.Kind) }))
	r := NewRing(10)
	f.Subscribe(r)

	f.Publish(Status("RUNNING"))
	f.Publish(PerformanceStats(Performance{Trades: 1}))

	require.Equal(t, []Kind{KindStatus, KindPerformance}, got)
	require.Len(t, r.Events(), 2)
	require.Equal(t, 1, r.Events()[1].Performance.Trades)
}
