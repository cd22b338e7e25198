package stream

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ServeOptions tune one client connection.
type ServeOptions struct {
	KeepAlive    time.Duration
	WriteTimeout time.Duration
}

func (o ServeOptions) withDefaults() ServeOptions {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

var errEvicted = errors.New("stream evicted")

// ServeSSE streams initial and then live frames to an event-stream response
// until the client goes away, the hub evicts it, or a write fails.
func ServeSSE(w http.ResponseWriter, r *http.Request, c *Client, initial []Frame, opts ServeOptions) error {
	opts = opts.withDefaults()
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	send := func(write func() error) error {
		_ = rc.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
		if err := write(); err != nil {
			return err
		}
		return rc.Flush()
	}
	if err := send(func() error {
		_, err := bw.WriteString(": connected " + c.ID + "\n\n")
		if err == nil {
			err = bw.Flush()
		}
		return err
	}); err != nil {
		return err
	}
	for _, f := range initial {
		if err := send(func() error { return writeSSE(bw, f) }); err != nil {
			return err
		}
	}

	ping := time.NewTicker(opts.KeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-c.Done():
			if c.Reason() == ReasonSlow {
				_ = send(func() error {
					return writeSSE(bw, Frame{Event: "evicted", Data: []byte(`{"reason":"` + ReasonSlow + `"}`)})
				})
			}
			return errEvicted
		case f := <-c.Frames():
			if err := send(func() error { return writeSSE(bw, f) }); err != nil {
				return err
			}
		case <-ping.C:
			if err := send(func() error {
				_, err := bw.WriteString(": ping\n\n")
				if err == nil {
					err = bw.Flush()
				}
				return err
			}); err != nil {
				return err
			}
		}
	}
}

// ServeWS is the WebSocket variant: each frame is one JSON text message.
func ServeWS(ctx context.Context, conn *websocket.Conn, c *Client, initial []Frame, opts ServeOptions) error {
	opts = opts.withDefaults()
	ctx = conn.CloseRead(ctx)
	write := func(f Frame) error {
		wctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, f)
	}
	for _, f := range initial {
		if err := write(f); err != nil {
			return err
		}
	}
	ping := time.NewTicker(opts.KeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "closed")
			return nil
		case <-c.Done():
			conn.Close(websocket.StatusPolicyViolation, c.Reason())
			return errEvicted
		case f := <-c.Frames():
			if err := write(f); err != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return err
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// IsEviction reports whether err ended a stream because the hub evicted it.
func IsEviction(err error) bool { return errors.Is(err, errEvicted) }
