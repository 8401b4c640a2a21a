// Package bus is the in-process publish/subscribe message bus. Delivery to
// registered handlers is at-least-once within the process lifetime: publish
// blocks rather than dropping when a handler queue is full. Handler failures
// land in a bounded dead-letter store and never reach the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"missioncore/internal/logging"
	"missioncore/internal/metrics"
)

var (
	ErrTimeout = errors.New("timed out waiting for reply")
	ErrClosed  = errors.New("bus closed")
)

// Handler processes one message. A returned error or panic dead-letters it.
type Handler func(ctx context.Context, msg Message) error

type DeadLetter struct {
	Message  Message   `json:"message"`
	Handler  string    `json:"handler"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

type subscription struct {
	id    uint64
	name  string
	h     Handler
	queue chan Message
	done  chan struct{}
}

type pendingReply struct {
	requestID string
	ch        chan Message
}

type Options struct {
	Crews           []string
	Buffer          int
	DeadLetterLimit int
	Now             func() time.Time
	Log             *zap.Logger
	Metrics         *metrics.Metrics
}

type Bus struct {
	mu       sync.RWMutex
	byType   map[string][]*subscription
	byChan   map[string][]*subscription
	crews    map[string]bool
	pending  map[string]pendingReply
	nextID   uint64
	closed   bool
	buffer   int
	deadMu   sync.Mutex
	dead     []DeadLetter
	deadNext int
	deadFull bool

	published atomic.Int64
	deadCount atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.DeadLetterLimit <= 0 {
		opts.DeadLetterLimit = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		byType:  make(map[string][]*subscription),
		byChan:  make(map[string][]*subscription),
		crews:   make(map[string]bool),
		pending: make(map[string]pendingReply),
		buffer:  opts.Buffer,
		dead:    make([]DeadLetter, opts.DeadLetterLimit),
		ctx:     ctx,
		cancel:  cancel,
		now:     opts.Now,
		log:     logging.OrNop(opts.Log).Named("bus"),
		metrics: opts.Metrics,
	}
	for _, c := range opts.Crews {
		b.crews[c] = true
	}
	return b
}

// SetCrews replaces the set of crew names that get their own channel.
func (b *Bus) SetCrews(crews []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crews = make(map[string]bool, len(crews))
	for _, c := range crews {
		b.crews[c] = true
	}
}

// RegisterHandler delivers every message of msgType to h. It returns an unregister func.
func (b *Bus) RegisterHandler(msgType string, h Handler) func() {
	return b.subscribe(b.byType, msgType, "type:"+msgType, h)
}

// Subscribe delivers every message routed to channel to h. It returns an unsubscribe func.
func (b *Bus) Subscribe(channel string, h Handler) func() {
	return b.subscribe(b.byChan, channel, "channel:"+channel, h)
}

func (b *Bus) subscribe(index map[string][]*subscription, key, name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	s := &subscription{
		id:    b.nextID,
		name:  name,
		h:     h,
		queue: make(chan Message, b.buffer),
		done:  make(chan struct{}),
	}
	index[key] = append(index[key], s)
	b.wg.Add(1)
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := index[key]
			for i, cur := range subs {
				if cur.id == s.id {
					index[key] = append(subs[:i:i], subs[i+1:]...)
					close(s.done)
					break
				}
			}
		})
	}
}

func (b *Bus) run(s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			b.deliver(s, msg)
		case <-s.done:
			return
		}
	}
}

func (b *Bus) deliver(s *subscription, msg Message) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = s.h(b.ctx, msg)
	}()
	if err != nil {
		b.deadLetter(msg, s.name, err)
	}
}

func (b *Bus) deadLetter(msg Message, handler string, err error) {
	b.deadMu.Lock()
	b.dead[b.deadNext] = DeadLetter{Message: msg, Handler: handler, Error: err.Error(), FailedAt: b.now().UTC()}
	b.deadNext = (b.deadNext + 1) % len(b.dead)
	if b.deadNext == 0 {
		b.deadFull = true
	}
	b.deadMu.Unlock()
	b.deadCount.Add(1)
	b.metrics.DeadLettered()
	b.log.Warn("handler failed; message dead-lettered",
		zap.String("handler", handler),
		zap.String("type", msg.Type),
		zap.String("message_id", msg.ID),
		zap.String("mission_id", msg.MissionID),
		zap.Error(err))
}

// Route returns the channel a message is delivered on.
func (b *Bus) Route(msg Message) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routeLocked(msg)
}

func (b *Bus) routeLocked(msg Message) string {
	if msg.Recipient != "" && b.crews[msg.Recipient] {
		return CrewChannel(msg.Recipient)
	}
	return Category(msg.Type)
}

// Publish stamps, routes and enqueues msg for every matching handler, and
// resolves a pending PublishAndWait whose correlation id it carries.
func (b *Bus) Publish(ctx context.Context, msg Message) (string, error) {
	if msg.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidMessage)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
	if msg.Data == nil {
		msg.Data = map[string]any{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	if msg.CorrelationID != "" {
		if p, ok := b.pending[msg.CorrelationID]; ok && p.requestID != msg.ID {
			delete(b.pending, msg.CorrelationID)
			p.ch <- msg
		}
	}
	channel := b.routeLocked(msg)
	targets := make([]*subscription, 0, len(b.byType[msg.Type])+len(b.byChan[channel]))
	targets = append(targets, b.byType[msg.Type]...)
	targets = append(targets, b.byChan[channel]...)
	b.mu.Unlock()

	b.published.Add(1)
	b.metrics.Published(channel)
	for _, s := range targets {
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-b.ctx.Done():
			return msg.ID, ErrClosed
		case <-ctx.Done():
			return msg.ID, ctx.Err()
		}
	}
	return msg.ID, nil
}

// PublishAndWait publishes msg and waits for the first message carrying its
// correlation id. The wait ends with ErrTimeout after timeout.
func (b *Bus) PublishAndWait(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	if msg.ReplyTo == "" {
		msg.ReplyTo = msg.Sender
	}
	ch := make(chan Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	b.pending[msg.CorrelationID] = pendingReply{requestID: msg.ID, ch: ch}
	b.mu.Unlock()

	if _, err := b.Publish(ctx, msg); err != nil {
		b.dropPending(msg.CorrelationID)
		return Message{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		b.dropPending(msg.CorrelationID)
		return Message{}, fmt.Errorf("%s %s: %w after %s", msg.Type, msg.CorrelationID, ErrTimeout, timeout)
	case <-ctx.Done():
		b.dropPending(msg.CorrelationID)
		return Message{}, ctx.Err()
	case <-b.ctx.Done():
		return Message{}, ErrClosed
	}
}

func (b *Bus) dropPending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// Reply answers original, addressed to its reply-to (or sender) and carrying
// its correlation id.
func (b *Bus) Reply(ctx context.Context, original Message, data map[string]any) (string, error) {
	corr := original.CorrelationID
	if corr == "" {
		corr = original.ID
	}
	recipient := original.ReplyTo
	if recipient == "" {
		recipient = original.Sender
	}
	return b.Publish(ctx, Message{
		Type:          original.Type + ReplySuffix,
		Sender:        original.Recipient,
		Recipient:     recipient,
		MissionID:     original.MissionID,
		Data:          data,
		CorrelationID: corr,
	})
}

// DeadLetters returns the retained dead letters, oldest first.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadMu.Lock()
	defer b.deadMu.Unlock()
	if !b.deadFull {
		return append([]DeadLetter(nil), b.dead[:b.deadNext]...)
	}
	out := make([]DeadLetter, 0, len(b.dead))
	out = append(out, b.dead[b.deadNext:]...)
	return append(out, b.dead[:b.deadNext]...)
}

// DeadLetterCount counts every dead letter since start, including evicted ones.
func (b *Bus) DeadLetterCount() int64 {
	return b.deadCount.Load()
}

type Stats struct {
	Published   int64 `json:"published"`
	DeadLetters int64 `json:"dead_letters"`
	Pending     int   `json:"pending_replies"`
	Handlers    int   `json:"handlers"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := 0
	for _, subs := range b.byType {
		handlers += len(subs)
	}
	for _, subs := range b.byChan {
		handlers += len(subs)
	}
	return Stats{
		Published:   b.published.Load(),
		DeadLetters: b.deadCount.Load(),
		Pending:     len(b.pending),
		Handlers:    handlers,
	}
}

// Close stops every handler goroutine and fails pending waits with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cancel()
	for key, subs := range b.byType {
		for _, s := range subs {
			close(s.done)
		}
		delete(b.byType, key)
	}
	for key, subs := range b.byChan {
		for _, s := range subs {
			close(s.done)
		}
		delete(b.byChan, key)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
