// Package streaming aggregates incrementally produced output into an ordered
// series of outbound stream updates followed by one consolidated final message.
//
// A Streamer belongs to one turn. Producers call Emit/Update from any
// goroutine; a single worker drains the queue and performs every send while
// holding flushMu, which is what keeps the channel's view in emission order.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/turnkit/pkg/protocol"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/turnkit/internal/streaming")

// chunk is one queued unit of producer output.
type chunk struct {
	text        string
	attachments []protocol.Attachment
	entities    []protocol.Entity
	channelData map[string]any
	informative bool
}

// state is the accumulator for one stream lifecycle. Only touched under flushMu.
type state struct {
	sequence    int // sequence number for the next send, starts at 1
	streamID    string
	text        strings.Builder
	attachments []protocol.Attachment
	entities    []protocol.Entity
	channelData map[string]any
	status      string // last informative line delivered
}

func newState() *state {
	return &state{sequence: 1, channelData: make(map[string]any)}
}

// empty reports whether no content has been committed to the stream.
func (st *state) empty() bool {
	return st.text.Len() == 0 && len(st.attachments) == 0 && len(st.entities) == 0 && len(st.channelData) == 0
}

func (st *state) merge(c chunk) {
	st.text.WriteString(c.text)
	st.attachments = append(st.attachments, c.attachments...)
	st.entities = append(st.entities, c.entities...)
	maps.Copy(st.channelData, c.channelData)
}

// Streamer turns Emit/Update calls into ordered stream sends.
type Streamer struct {
	ctx     context.Context // turn lifetime; cancellation abandons queued chunks
	sender  Sender
	cfg     Config
	limiter *rate.Limiter

	mu      sync.Mutex
	queue   []chunk
	running bool
	idle    chan struct{} // closed when the current worker exits
	emitted bool          // content queued since the last successful Close
	err     error         // first unrecoverable failure of the current stream
	result  *protocol.Activity

	flushMu sync.Mutex
	st      *state

	closeMu sync.Mutex

	hookMu  sync.RWMutex
	onChunk []func(*protocol.Activity)
	onClose []func(*protocol.Activity)
}

// New creates a Streamer sending through sender. ctx bounds the stream: once
// it is done, queued chunks are dropped and no further sends are attempted.
func New(ctx context.Context, sender Sender, cfg Config) *Streamer {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.MinSendInterval > 0 {
		limit = rate.Every(cfg.MinSendInterval)
	}
	idle := make(chan struct{})
	close(idle)
	return &Streamer{
		ctx:     ctx,
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		idle:    idle,
		st:      newState(),
	}
}

// OnChunk registers fn to observe every successful intermediate send.
func (s *Streamer) OnChunk(fn func(*protocol.Activity)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onChunk = append(s.onChunk, fn)
}

// OnClose registers fn to observe the final message of every stream.
func (s *Streamer) OnClose(fn func(*protocol.Activity)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Emit queues text for the stream. Never blocks on the network.
func (s *Streamer) Emit(text string) {
	s.enqueue(chunk{text: text})
}

// EmitActivity queues the content of a: its text, attachments, entities and
// channel data. A typing activity marked informative is treated like Update.
func (s *Streamer) EmitActivity(a *protocol.Activity) {
	if a == nil {
		return
	}
	if a.Type == protocol.ActivityTyping && a.ChannelData[protocol.KeyStreamType] == string(protocol.StreamInformative) {
		s.Update(a.Text)
		return
	}
	c := chunk{
		text:        a.Text,
		attachments: append([]protocol.Attachment(nil), a.Attachments...),
		channelData: maps.Clone(a.ChannelData),
	}
	for _, e := range a.Entities {
		if e.Type != protocol.EntityStreamInfo {
			c.entities = append(c.entities, e)
		}
	}
	s.enqueue(c)
}

// Update queues an informative status line. It is only delivered while no
// text has been accumulated; afterwards it is silently superseded.
func (s *Streamer) Update(status string) {
	s.enqueue(chunk{text: status, informative: true})
}

func (s *Streamer) enqueue(c chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, c)
	s.emitted = true
	s.result = nil
	if !s.running {
		s.running = true
		s.idle = make(chan struct{})
		go s.run(s.idle)
	}
}

// run is the single worker: it flushes until the queue is empty, then exits.
func (s *Streamer) run(idle chan struct{}) {
	for {
		s.flush()

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			close(idle)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// flush drains one batch and sends the resulting updates.
func (s *Streamer) flush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	// Waiting before draining lets chunks that arrive meanwhile join this batch.
	if err := s.limiter.Wait(s.ctx); err != nil {
		s.abandon(canceled(s.contextErr(err)))
		return
	}

	s.mu.Lock()
	if s.err != nil {
		s.queue = nil
		s.mu.Unlock()
		return
	}
	n := min(len(s.queue), s.cfg.BatchSize)
	batch := make([]chunk, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	s.mu.Unlock()

	if n == 0 {
		return
	}

	var informative []string
	for _, c := range batch {
		if c.informative {
			if s.st.text.Len() == 0 {
				informative = append(informative, c.text)
			}
			continue
		}
		s.st.merge(c)
	}

	paced := true // the token taken above covers the first send
	for _, status := range informative {
		a := protocol.NewTyping()
		a.Text = status
		if err := s.push(a, protocol.StreamInformative, !paced); err != nil {
			s.abandon(err)
			return
		}
		s.st.status = status
		paced = false
	}

	if s.st.text.Len() == 0 {
		return
	}
	a := protocol.NewTyping()
	a.Text = s.st.text.String()
	if err := s.push(a, protocol.StreamStreaming, !paced); err != nil {
		s.abandon(err)
	}
}

// push sends one intermediate activity with retries and advances the sequence.
// Caller holds flushMu.
func (s *Streamer) push(a *protocol.Activity, typ protocol.StreamType, wait bool) error {
	if wait {
		if err := s.limiter.Wait(s.ctx); err != nil {
			return canceled(s.contextErr(err))
		}
	}
	a.WithStreamInfo(protocol.StreamInfo{StreamID: s.st.streamID, Type: typ, Sequence: s.st.sequence})

	sent, err := s.deliver(s.ctx, a)
	if err != nil {
		return err
	}
	s.st.sequence++
	s.notify(s.chunkHooks(), sent)
	return nil
}

// deliver creates the stream on first use and updates it afterwards.
func (s *Streamer) deliver(ctx context.Context, a *protocol.Activity) (*protocol.Activity, error) {
	if s.st.streamID != "" {
		a.ID = s.st.streamID
		err := retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryDelay, func(ctx context.Context) error {
			return s.sender.Update(ctx, s.st.streamID, a)
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	}

	var sent *protocol.Activity
	err := retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryDelay, func(ctx context.Context) error {
		res, err := s.sender.Send(ctx, a)
		if err != nil {
			return err
		}
		if res == nil || res.ID == "" {
			return ErrMissingID
		}
		sent = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.st.streamID = sent.ID
	a.ID = sent.ID
	return a, nil
}

// abandon records the first failure and drops everything still queued.
func (s *Streamer) abandon(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		slog.Warn("streaming: stream abandoned", "stream_id", s.st.streamID, "dropped", len(s.queue), "error", err)
	}
	s.queue = nil
}

func (s *Streamer) contextErr(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Close waits for queued chunks to drain and sends the final message.
//
// It returns (nil, nil) if nothing was emitted. A stream that only carried
// informative updates is finalized with the last status line, so the
// channel's message does not keep showing a transient state. A second Close without new
// emissions returns the cached result without sending. After a successful
// Close the Streamer is reset and can carry a new stream.
func (s *Streamer) Close(ctx context.Context) (*protocol.Activity, error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	for {
		s.mu.Lock()
		if !s.running && len(s.queue) == 0 {
			break // s.mu stays held
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return nil, canceled(ctx.Err())
		}
	}

	if !s.emitted {
		res := s.result
		s.mu.Unlock()
		return res, nil
	}
	streamErr := s.err
	s.mu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if streamErr != nil {
		s.resetLocked(nil)
		return nil, streamErr
	}

	ctx, span := tracer.Start(ctx, "stream.close")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream.id", s.st.streamID),
		attribute.Int("stream.sends", s.st.sequence-1),
		attribute.Int("stream.text_len", s.st.text.Len()),
	)

	final, err := s.sendFinal(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !isCancellation(err) {
			s.resetLocked(nil)
		}
		return nil, err
	}

	s.resetLocked(final)
	if final != nil {
		s.notify(s.closeHooks(), final)
	}
	return final, nil
}

// sendFinal builds and delivers the consolidated message. It sends nothing and
// returns (nil, nil) when no content was committed and no stream message
// exists. Caller holds flushMu.
func (s *Streamer) sendFinal(ctx context.Context) (*protocol.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	if err := s.ctx.Err(); err != nil {
		return nil, canceled(err)
	}

	text := s.st.text.String()
	if s.st.empty() {
		if s.st.streamID == "" {
			return nil, nil
		}
		text = s.st.status
	}

	final := protocol.NewMessage(text)
	final.Attachments = append([]protocol.Attachment(nil), s.st.attachments...)
	final.Entities = append([]protocol.Entity(nil), s.st.entities...)
	final.ChannelData = maps.Clone(s.st.channelData)
	final.WithStreamInfo(protocol.StreamInfo{StreamID: s.st.streamID, Type: protocol.StreamFinal})

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, canceled(err)
	}
	sent, err := s.deliver(ctx, final)
	if err != nil {
		return nil, fmt.Errorf("send final stream message: %w", err)
	}
	return sent, nil
}

// resetLocked restores the initial stream state. Caller holds flushMu.
func (s *Streamer) resetLocked(result *protocol.Activity) {
	s.st = newState()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
	s.result = result
	// An Emit that raced the final send starts the next stream.
	s.emitted = s.running || len(s.queue) > 0
}

func (s *Streamer) chunkHooks() []func(*protocol.Activity) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.onChunk
}

func (s *Streamer) closeHooks() []func(*protocol.Activity) {
	s.hookMu.RLock()
	defer s.hookMu.RUnlock()
	return s.onClose
}

func (s *Streamer) notify(hooks []func(*protocol.Activity), a *protocol.Activity) {
	for _, fn := range hooks {
		fn(a.Clone())
	}
}
