package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/skyindex/internal/model"
)

// Transport delivers the ordered event stream. Run sends events to out until
// ctx is done, resuming after cursor() whenever it (re)connects.
type Transport interface {
	Run(ctx context.Context, cursor func() int64, out chan<- model.Event) error
}

// WSOptions configures a WSTransport.
type WSOptions struct {
	// URL of the subscription endpoint, e.g. wss://relay.example/subscribe.
	URL       string
	Dialer    *websocket.Dialer
	RetryBase time.Duration
	RetryMax  time.Duration
}

// WSTransport reads JSON events from a websocket and reconnects on failure.
type WSTransport struct {
	opts WSOptions
	log  *zap.Logger
}

func NewWSTransport(opts WSOptions, log *zap.Logger) *WSTransport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	return &WSTransport{opts: opts, log: log}
}

func (t *WSTransport) backoff() retry.Backoff {
	return retry.WithCappedDuration(t.opts.RetryMax, retry.WithJitterPercent(10, retry.NewExponential(t.opts.RetryBase)))
}

func (t *WSTransport) Run(ctx context.Context, cursor func() int64, out chan<- model.Event) error {
	b := t.backoff()
	reconnects := 0
	for {
		delivered, err := t.stream(ctx, cursor(), out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			b, reconnects = t.backoff(), 0
		}
		reconnects++
		wait, _ := b.Next()
		t.log.Warn("subscription reconnect", zap.Error(err), zap.Int("reconnects", reconnects), zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// stream consumes one connection and returns how many events it delivered.
func (t *WSTransport) stream(ctx context.Context, cursor int64, out chan<- model.Event) (int, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return 0, err
	}
	if cursor > 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		u.RawQuery = q.Encode()
	}

	conn, resp, err := t.opts.Dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return 0, fmt.Errorf("dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return 0, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	delivered := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return delivered, fmt.Errorf("closed by upstream: %w", err)
			}
			return delivered, err
		}
		var ev model.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.log.Warn("skipped invalid message", zap.Error(err), zap.Int("size", len(msg)))
			continue
		}
		select {
		case out <- ev:
			delivered++
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}
