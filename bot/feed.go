package bot

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/xyths/ganymede/event"
	"go.uber.org/zap"
)

const (
	feedReadTimeout  = 30 * time.Second
	feedPingInterval = 15 * time.Second
	feedMaxBackoff   = 30 * time.Second
)

// wsFeed keeps the latest trade price of a websocket stream, reconnecting
// with backoff until closed.
type wsFeed struct {
	Sugar     *zap.SugaredLogger
	name      string
	url       string
	emit      func(level, msg string)
	subscribe func(conn *websocket.Conn) error
	parse     func(msg []byte) (float64, bool)

	mu     sync.Mutex
	last   float64
	cancel context.CancelFunc
	done   chan struct{}
}

func (f *wsFeed) start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := f.dial(dialCtx)
	if err != nil {
		return errors.Wrapf(err, "%s websocket connection", f.name)
	}
	f.emit(event.Success, f.name+" WebSocket connection established.")

	runCtx, stop := context.WithCancel(context.Background())
	f.cancel = stop
	f.done = make(chan struct{})
	go f.run(runCtx, conn)
	return nil
}

func (f *wsFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, err
	}
	if f.subscribe != nil {
		if err := f.subscribe(conn); err != nil {
			_ = conn.Close()
			return nil, errors.Wrap(err, "subscribe")
		}
	}
	return conn, nil
}

func (f *wsFeed) run(ctx context.Context, conn *websocket.Conn) {
	defer close(f.done)
	backoff := time.Second
	for {
		err := f.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		f.Sugar.Warnf("%s feed disconnected: %s", f.name, err)
		f.emit(event.Warning, f.name+" WebSocket connection closed.")

		for {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = time.Duration(math.Min(float64(feedMaxBackoff), float64(backoff)*1.8))
			conn, err = f.dial(ctx)
			if err == nil {
				backoff = time.Second
				f.emit(event.Info, f.name+" WebSocket reconnected.")
				break
			}
			f.Sugar.Warnf("%s reconnect error: %s", f.name, err)
		}
	}
}

func (f *wsFeed) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				// unblock ReadMessage
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		if price, ok := f.parse(msg); ok && price > 0 {
			f.mu.Lock()
			f.last = price
			f.mu.Unlock()
		}
	}
}

func (f *wsFeed) price() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == 0 {
		return 0, errors.Wrapf(ErrPriceUnavailable, "%s websocket", f.name)
	}
	return f.last, nil
}

func (f *wsFeed) close() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}
