package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradegate/pkg/metrics"
)

// ErrStreamLimit is returned when a subject already holds its maximum number
// of concurrent streams.
var ErrStreamLimit = errors.New("stream limit reached")

var errHubStopped = errors.New("hub stopped")

// Eviction reasons reported by Client.Reason.
const (
	ReasonSlow     = "slow_consumer"
	ReasonShutdown = "shutdown"
)

// Client is one connected stream. Its queue is never closed; done signals
// that the hub has given up on it.
type Client struct {
	ID      string
	Subject string
	Topics  []string

	queue  chan Frame
	done   chan struct{}
	once   sync.Once
	reason atomic.Pointer[string]
}

func (c *Client) Frames() <-chan Frame  { return c.queue }
func (c *Client) Done() <-chan struct{} { return c.done }

// Reason reports why the hub evicted the client, or "" if it did not.
func (c *Client) Reason() string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return ""
}

func (c *Client) evict(reason string) bool {
	evicted := false
	c.once.Do(func() {
		c.reason.Store(&reason)
		close(c.done)
		evicted = true
	})
	return evicted
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// registry is an immutable view of who listens to what. It is rebuilt by the
// owner loop on every change and swapped in whole.
type registry struct {
	byTopic   map[string][]*Client
	bySubject map[string]int
	clients   map[*Client]struct{}
}

func emptyRegistry() *registry {
	return &registry{byTopic: map[string][]*Client{}, bySubject: map[string]int{}, clients: map[*Client]struct{}{}}
}

func (r *registry) with(c *Client) *registry {
	next := r.clone()
	next.clients[c] = struct{}{}
	next.bySubject[c.Subject]++
	for _, t := range c.Topics {
		next.byTopic[t] = append(next.byTopic[t][:len(next.byTopic[t]):len(next.byTopic[t])], c)
	}
	return next
}

func (r *registry) without(c *Client) *registry {
	if _, ok := r.clients[c]; !ok {
		return r
	}
	next := r.clone()
	delete(next.clients, c)
	if next.bySubject[c.Subject]--; next.bySubject[c.Subject] <= 0 {
		delete(next.bySubject, c.Subject)
	}
	for _, t := range c.Topics {
		list := next.byTopic[t]
		kept := make([]*Client, 0, len(list))
		for _, other := range list {
			if other != c {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(next.byTopic, t)
		} else {
			next.byTopic[t] = kept
		}
	}
	return next
}

func (r *registry) clone() *registry {
	next := &registry{
		byTopic:   make(map[string][]*Client, len(r.byTopic)),
		bySubject: make(map[string]int, len(r.bySubject)),
		clients:   make(map[*Client]struct{}, len(r.clients)+1),
	}
	for k, v := range r.byTopic {
		next.byTopic[k] = v
	}
	for k, v := range r.bySubject {
		next.bySubject[k] = v
	}
	for c := range r.clients {
		next.clients[c] = struct{}{}
	}
	return next
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
)

type op struct {
	kind   opKind
	client *Client
	limit  int64
	reply  chan error
}

// Hub fans frames out to clients. Registration changes go through a single
// owner goroutine; Broadcast reads the current registry snapshot without
// locking and never blocks on a client.
type Hub struct {
	reg        atomic.Pointer[registry]
	ops        chan op
	stopped    chan struct{}
	queueDepth int
	log        *zap.Logger
	metrics    *metrics.Metrics
}

const DefaultQueueDepth = 64

func NewHub(queueDepth int, m *metrics.Metrics, log *zap.Logger) *Hub {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	h := &Hub{
		ops:        make(chan op),
		stopped:    make(chan struct{}),
		queueDepth: queueDepth,
		log:        log,
		metrics:    m,
	}
	h.reg.Store(emptyRegistry())
	return h
}

// Run owns registry mutation until ctx is done, then evicts every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			reg := h.reg.Swap(emptyRegistry())
			for c := range reg.clients {
				if c.evict(ReasonShutdown) {
					h.metrics.Evictions.WithLabelValues(ReasonShutdown).Inc()
				}
				h.gauge(c, -1)
			}
			return
		case o := <-h.ops:
			cur := h.reg.Load()
			switch o.kind {
			case opRegister:
				if o.limit >= 0 && int64(cur.bySubject[o.client.Subject]) >= o.limit {
					o.reply <- ErrStreamLimit
					continue
				}
				h.reg.Store(cur.with(o.client))
				h.gauge(o.client, 1)
				o.reply <- nil
			case opUnregister:
				if _, ok := cur.clients[o.client]; ok {
					h.reg.Store(cur.without(o.client))
					h.gauge(o.client, -1)
				}
				o.reply <- nil
			}
		}
	}
}

func (h *Hub) gauge(c *Client, delta float64) {
	for _, t := range c.Topics {
		h.metrics.ActiveStreams.WithLabelValues(t).Add(delta)
	}
}

// Register adds a client for topics. limit caps concurrent streams for the
// subject; a negative limit means unlimited.
func (h *Hub) Register(ctx context.Context, subject string, topics []string, limit int64) (*Client, error) {
	c := &Client{
		ID:      uuid.NewString(),
		Subject: subject,
		Topics:  topics,
		queue:   make(chan Frame, h.queueDepth),
		done:    make(chan struct{}),
	}
	if err := h.send(ctx, op{kind: opRegister, client: c, limit: limit}); err != nil {
		return nil, err
	}
	return c, nil
}

// Unregister removes c from every topic. Safe to call more than once and
// after the hub stopped.
func (h *Hub) Unregister(c *Client) {
	_ = h.send(context.Background(), op{kind: opUnregister, client: c})
}

func (h *Hub) send(ctx context.Context, o op) error {
	o.reply = make(chan error, 1)
	select {
	case h.ops <- o:
	case <-h.stopped:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.reply:
		return err
	case <-h.stopped:
		return errHubStopped
	}
}

// Broadcast enqueues f for every client of f.Topic. A client whose queue is
// full is evicted instead of slowing anyone else down. It returns the number
// of clients that received the frame.
func (h *Hub) Broadcast(f Frame) int {
	h.metrics.FramesBroadcast.WithLabelValues(f.Topic).Inc()
	delivered := 0
	for _, c := range h.reg.Load().byTopic[f.Topic] {
		if c.closed() {
			continue
		}
		select {
		case c.queue <- f:
			delivered++
		default:
			if c.evict(ReasonSlow) {
				h.metrics.Evictions.WithLabelValues(ReasonSlow).Inc()
				h.log.Info("evicting slow stream client",
					zap.String("client", c.ID), zap.String("subject", c.Subject), zap.String("topic", f.Topic))
			}
		}
	}
	return delivered
}

// Counts reports live connections in total and per topic.
func (h *Hub) Counts() (int, map[string]int) {
	reg := h.reg.Load()
	per := make(map[string]int, len(reg.byTopic))
	for t, list := range reg.byTopic {
		per[t] = len(list)
	}
	return len(reg.clients), per
}

// Streams returns how many streams subject currently holds.
func (h *Hub) Streams(subject string) int {
	return h.reg.Load().bySubject[subject]
}
