package collab

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/access"
	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/store"
)

const (
	eventBufferSize       = 64
	maxMalformedFrames    = 3
	maxConsecutiveFlushes = 5
	minFlushPoll          = 10 * time.Millisecond
	maxFlushPoll          = time.Second
)

// ErrSessionClosed reports an attach against a session that has been sealed
// for eviction. Callers re-resolve the session through the registry.
var ErrSessionClosed = errors.New("collab: session closed")

// Timings bundles the tunable intervals governing session persistence and
// lifecycle. Zero values are rejected by config validation before they reach
// this package.
type Timings struct {
	HandshakeTimeout         time.Duration
	IdleEvictionDelay        time.Duration
	FlushDebounce            time.Duration
	FlushMaxInterval         time.Duration
	QuietWindow              time.Duration
	CompactionThresholdBytes int
}

// Session owns one live document: its replicated state, the set of attached
// connections, and the dirty/flush bookkeeping. All mutation happens on the
// run loop goroutine; connections communicate with it through events only.
type Session struct {
	documentID string
	timings    Timings
	store      *store.Adapter
	logger     *zap.Logger
	clock      func() time.Time
	onIdle     func(documentID string)
	onActive   func(documentID string)

	events chan sessionEvent
	closed chan struct{}

	// run-loop state; never touched outside run().
	doc           *Document
	conns         map[int64]*Connection
	malformed     map[int64]int
	dirty         bool
	sealed        bool
	lastMergeAt   time.Time
	lastPersistAt time.Time
	flushFailures int
}

type sessionEvent interface{ isSessionEvent() }

type attachEvent struct {
	conn  *Connection
	reply chan error
}

type detachEvent struct {
	connectionID int64
}

type inboundEvent struct {
	connectionID int64
	payload      []byte
}

type flushEvent struct {
	ctx   context.Context
	reply chan error
}

type sealEvent struct {
	reply chan bool
}

type connCountEvent struct {
	reply chan int
}

type contentEvent struct {
	reply chan string
}

func (attachEvent) isSessionEvent()    {}
func (detachEvent) isSessionEvent()    {}
func (inboundEvent) isSessionEvent()   {}
func (flushEvent) isSessionEvent()     {}
func (sealEvent) isSessionEvent()      {}
func (connCountEvent) isSessionEvent() {}
func (contentEvent) isSessionEvent()   {}

func newSession(documentID string, doc *Document, timings Timings, adapter *store.Adapter, logger *zap.Logger, clock func() time.Time, onIdle func(string), onActive func(string)) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Session{
		documentID:    documentID,
		timings:       timings,
		store:         adapter,
		logger:        logger,
		clock:         clock,
		onIdle:        onIdle,
		onActive:      onActive,
		events:        make(chan sessionEvent, eventBufferSize),
		closed:        make(chan struct{}),
		doc:           doc,
		conns:         make(map[int64]*Connection),
		malformed:     make(map[int64]int),
		lastMergeAt:   now,
		lastPersistAt: now,
	}
}

// Attach adds the connection to the session and primes it with the server's
// current heads so the client can request what it is missing.
func (s *Session) Attach(ctx context.Context, connection *Connection) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, attachEvent{conn: connection, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// Detach removes the connection. Safe to call for connections that were
// never attached or were already dropped by the session.
func (s *Session) Detach(connectionID int64) {
	_ = s.post(context.Background(), detachEvent{connectionID: connectionID})
}

// Inbound delivers one raw binary message from the connection's read loop.
// Per-connection receipt order is preserved by the single event channel.
func (s *Session) Inbound(connectionID int64, payload []byte) {
	_ = s.post(context.Background(), inboundEvent{connectionID: connectionID, payload: payload})
}

// Flush synchronously persists the current state if dirty.
func (s *Session) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.post(ctx, flushEvent{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrSessionClosed
	}
}

// ConnectionCount reports the number of attached connections.
func (s *Session) ConnectionCount() int {
	reply := make(chan int, 1)
	if err := s.post(context.Background(), connCountEvent{reply: reply}); err != nil {
		return 0
	}
	select {
	case count := <-reply:
		return count
	case <-s.closed:
		return 0
	}
}

// Content returns the current text projection of the document.
func (s *Session) Content() string {
	reply := make(chan string, 1)
	if err := s.post(context.Background(), contentEvent{reply: reply}); err != nil {
		return ""
	}
	select {
	case content := <-reply:
		return content
	case <-s.closed:
		return ""
	}
}

// sealIfIdle marks the session as closed to new attachers when no connection
// is attached. It returns whether the seal took effect.
func (s *Session) sealIfIdle() bool {
	reply := make(chan bool, 1)
	if err := s.post(context.Background(), sealEvent{reply: reply}); err != nil {
		return false
	}
	select {
	case sealed := <-reply:
		return sealed
	case <-s.closed:
		// Already torn down; nothing left to evict.
		return false
	}
}

// flushAndClose performs the mandatory final flush and stops the run loop.
// Only the registry calls this, after a successful seal.
func (s *Session) flushAndClose(ctx context.Context) {
	if err := s.Flush(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Error("final flush failed during eviction",
			zap.String("document_id", s.documentID),
			zap.Error(err))
	}
	close(s.closed)
}

func (s *Session) post(ctx context.Context, event sessionEvent) error {
	select {
	case s.events <- event:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) run() {
	poll := s.timings.FlushDebounce / 4
	if poll < minFlushPoll {
		poll = minFlushPoll
	}
	if poll > maxFlushPoll {
		poll = maxFlushPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case event := <-s.events:
			s.handleEvent(event)
		case <-ticker.C:
			s.maybeFlush(context.Background())
		case <-s.closed:
			s.drainEvents()
			return
		}
	}
}

func (s *Session) drainEvents() {
	for {
		select {
		case event := <-s.events:
			switch typed := event.(type) {
			case attachEvent:
				typed.reply <- ErrSessionClosed
			case flushEvent:
				typed.reply <- ErrSessionClosed
			case sealEvent:
				typed.reply <- false
			case connCountEvent:
				typed.reply <- 0
			case contentEvent:
				typed.reply <- ""
			}
		default:
			return
		}
	}
}

func (s *Session) handleEvent(event sessionEvent) {
	switch typed := event.(type) {
	case attachEvent:
		typed.reply <- s.handleAttach(typed.conn)
	case detachEvent:
		s.handleDetach(typed.connectionID)
	case inboundEvent:
		s.handleInbound(typed.connectionID, typed.payload)
	case flushEvent:
		typed.reply <- s.flush(typed.ctx)
	case sealEvent:
		typed.reply <- s.handleSeal()
	case connCountEvent:
		typed.reply <- len(s.conns)
	case contentEvent:
		typed.reply <- s.doc.PlainText()
	}
}

func (s *Session) handleAttach(connection *Connection) error {
	if s.sealed {
		return ErrSessionClosed
	}
	s.conns[connection.id] = connection
	if s.onActive != nil {
		s.onActive(s.documentID)
	}
	connection.enqueue(EncodeSyncRequest(s.doc.Heads()))
	return nil
}

func (s *Session) handleDetach(connectionID int64) {
	if _, ok := s.conns[connectionID]; !ok {
		return
	}
	delete(s.conns, connectionID)
	delete(s.malformed, connectionID)
	if len(s.conns) == 0 && s.onIdle != nil {
		s.onIdle(s.documentID)
	}
}

func (s *Session) handleSeal() bool {
	if s.sealed {
		return false
	}
	if len(s.conns) != 0 {
		return false
	}
	s.sealed = true
	return true
}

func (s *Session) handleInbound(connectionID int64, payload []byte) {
	connection, ok := s.conns[connectionID]
	if !ok {
		return
	}

	frame, err := DecodeFrame(payload)
	if err != nil {
		s.recordMalformed(connection, err)
		return
	}

	switch frame.Kind {
	case FrameKindSync:
		s.handleSyncFrame(connection, frame)
	case FrameKindAwareness:
		s.broadcast(connectionID, EncodeAwareness(frame.Payload))
	case FrameKindEpoch:
		// Clients never announce epochs; ignore.
	}
}

func (s *Session) handleSyncFrame(connection *Connection, frame Frame) {
	switch frame.Sync {
	case SyncKindRequest:
		update := s.doc.DiffSince(frame.Heads)
		s.send(connection, EncodeSyncReply(update))
	case SyncKindReply, SyncKindUpdate:
		if connection.permission != access.PermissionEdit {
			s.logger.Warn("update dropped from read-only connection",
				zap.String("document_id", s.documentID),
				zap.String("user_id", connection.userID),
				zap.Int64("connection_id", connection.id))
			return
		}
		if len(frame.Payload) == 0 {
			return
		}
		if err := s.doc.ApplyUpdate(frame.Payload); err != nil {
			s.recordMalformed(connection, err)
			return
		}
		s.dirty = true
		s.lastMergeAt = s.clock()
		s.broadcast(connection.id, EncodeSyncUpdate(frame.Payload))
	}
}

func (s *Session) recordMalformed(connection *Connection, cause error) {
	s.malformed[connection.id]++
	count := s.malformed[connection.id]
	s.logger.Warn("malformed message dropped",
		zap.String("document_id", s.documentID),
		zap.Int64("connection_id", connection.id),
		zap.Int("count", count),
		zap.Error(cause))
	if count > maxMalformedFrames {
		connection.closeWithCode(CloseInternalError, "repeated malformed messages")
	}
}

// broadcast fans a framed message out to every connection except the origin.
// It runs before the next inbound event is processed, so broadcasts are never
// reordered relative to merges.
func (s *Session) broadcast(originID int64, frame []byte) {
	for id, connection := range s.conns {
		if id == originID {
			continue
		}
		s.send(connection, frame)
	}
}

func (s *Session) send(connection *Connection, frame []byte) {
	if connection.enqueue(frame) {
		return
	}
	s.logger.Warn("disconnecting slow consumer",
		zap.String("document_id", s.documentID),
		zap.Int64("connection_id", connection.id),
		zap.String("user_id", connection.userID))
	connection.close()
	delete(s.conns, connection.id)
	delete(s.malformed, connection.id)
	if len(s.conns) == 0 && s.onIdle != nil {
		s.onIdle(s.documentID)
	}
}

func (s *Session) maybeFlush(ctx context.Context) {
	if !s.dirty {
		return
	}
	now := s.clock()
	if now.Sub(s.lastMergeAt) < s.timings.FlushDebounce && now.Sub(s.lastPersistAt) < s.timings.FlushMaxInterval {
		return
	}
	_ = s.flush(ctx)
}

func (s *Session) flush(ctx context.Context) error {
	if !s.dirty {
		s.maybeCompact()
		return nil
	}

	state := s.doc.Encode()
	text := s.doc.PlainText()
	excerpt := s.doc.Excerpt()

	if err := s.store.SaveState(ctx, s.documentID, state, text, excerpt); err != nil {
		s.flushFailures++
		s.logger.Error("flush failed; document stays dirty",
			zap.String("document_id", s.documentID),
			zap.Int("consecutive_failures", s.flushFailures),
			zap.Error(err))
		if s.flushFailures == maxConsecutiveFlushes {
			s.logger.Error("flush failing persistently",
				zap.String("document_id", s.documentID),
				zap.Int("consecutive_failures", s.flushFailures))
		}
		return err
	}

	s.dirty = false
	s.flushFailures = 0
	s.lastPersistAt = s.clock()
	s.maybeCompact()
	return nil
}

// maybeCompact re-encodes the document when it has grown past the threshold
// and no update has arrived within the quiet window. Compacting under
// in-flight edits is forbidden; the quiet window is the explicit policy for
// "no in-flight edits".
func (s *Session) maybeCompact() {
	if s.timings.CompactionThresholdBytes <= 0 {
		return
	}
	if s.doc.EncodedSize() <= s.timings.CompactionThresholdBytes {
		return
	}
	if s.clock().Sub(s.lastMergeAt) < s.timings.QuietWindow {
		return
	}
	before := s.doc.EncodedSize()
	if err := s.doc.Compact(); err != nil {
		s.logger.Warn("snapshot compaction failed",
			zap.String("document_id", s.documentID),
			zap.Error(err))
		return
	}
	s.dirty = true
	s.logger.Info("snapshot compacted",
		zap.String("document_id", s.documentID),
		zap.Int("bytes_before", before),
		zap.Int("bytes_after", s.doc.EncodedSize()))
}
