package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Me-Souly/collaborative-md-editor-sub000/internal/store"
)

const attachRetryLimit = 3

var errMissingStore = errors.New("collab: store adapter is required")

// RegistryConfig describes the dependencies of the document registry.
type RegistryConfig struct {
	Store   *store.Adapter
	Timings Timings
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Registry is the sole owner of live sessions: exactly one in-memory session
// exists per document id at any time, and creation, attachment, and eviction
// are serialized per document.
type Registry struct {
	store   *store.Adapter
	timings Timings
	logger  *zap.Logger
	clock   func() time.Time

	mu     sync.Mutex
	slots  map[string]*documentSlot
	timers map[string]*time.Timer
}

// documentSlot serializes create/attach/evict per document without blocking
// operations on other documents behind a global lock.
type documentSlot struct {
	mu      sync.Mutex
	session *Session
}

// NewRegistry constructs a Registry and validates its dependencies.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:   cfg.Store,
		timings: cfg.Timings,
		logger:  logger,
		clock:   clock,
		slots:   make(map[string]*documentSlot),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// GetOrCreate returns the live session for the document, creating it after a
// synchronous initial load (cache tier, then durable store, then empty) so
// concurrent callers can never race two diverging in-memory copies into
// existence.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	slot := r.slot(documentID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.session != nil {
		return slot.session, nil
	}

	state, found, err := r.store.LoadState(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var doc *Document
	if found {
		doc, err = LoadDocument(state)
		if err != nil {
			r.logger.Error("stored document state is unreadable; starting empty",
				zap.String("document_id", documentID),
				zap.Error(err))
			doc = NewDocument()
		}
	} else {
		doc = NewDocument()
	}

	session := newSession(documentID, doc, r.timings, r.store, r.logger, r.clock, r.armEviction, r.cancelEviction)
	go session.run()
	slot.session = session

	r.logger.Info("session created",
		zap.String("document_id", documentID),
		zap.Bool("loaded_from_store", found))
	return session, nil
}

// Attach resolves the document's session and attaches the connection,
// re-resolving if the session seals for eviction between the two steps.
func (r *Registry) Attach(ctx context.Context, connection *Connection) (*Session, error) {
	for attempt := 0; attempt < attachRetryLimit; attempt++ {
		session, err := r.GetOrCreate(ctx, connection.documentID)
		if err != nil {
			return nil, err
		}
		err = session.Attach(ctx, connection)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionClosed) {
			return nil, err
		}
	}
	return nil, ErrSessionClosed
}

// EvictIfIdle flushes and removes the document's session when no connection
// is attached. Invoked by the idle timer; safe to call at any time.
func (r *Registry) EvictIfIdle(ctx context.Context, documentID string) {
	slot := r.slot(documentID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	session := slot.session
	if session == nil {
		return
	}
	if !session.sealIfIdle() {
		return
	}

	session.flushAndClose(ctx)
	slot.session = nil
	r.cancelEviction(documentID)
	r.logger.Info("idle session evicted", zap.String("document_id", documentID))
}

// FlushAll synchronously flushes every live session, best effort. Used during
// graceful shutdown under a hard deadline; failures are logged per document
// and do not stop the sweep.
func (r *Registry) FlushAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.slots))
	for documentID := range r.slots {
		ids = append(ids, documentID)
	}
	r.mu.Unlock()

	for _, documentID := range ids {
		if ctx.Err() != nil {
			r.logger.Warn("flush-all aborted by deadline", zap.Error(ctx.Err()))
			return
		}
		slot := r.slot(documentID)
		slot.mu.Lock()
		session := slot.session
		slot.mu.Unlock()
		if session == nil {
			continue
		}
		if err := session.Flush(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			r.logger.Error("shutdown flush failed",
				zap.String("document_id", documentID),
				zap.Error(err))
		}
	}
}

func (r *Registry) slot(documentID string) *documentSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[documentID]
	if !ok {
		slot = &documentSlot{}
		r.slots[documentID] = slot
	}
	return slot
}

// armEviction starts the idle countdown for a document. Called by a session's
// run loop when its last connection detaches.
func (r *Registry) armEviction(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[documentID]; ok {
		timer.Stop()
	}
	r.timers[documentID] = time.AfterFunc(r.timings.IdleEvictionDelay, func() {
		r.EvictIfIdle(context.Background(), documentID)
	})
}

// cancelEviction stops a pending idle countdown. Called on attach.
func (r *Registry) cancelEviction(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[documentID]; ok {
		timer.Stop()
		delete(r.timers, documentID)
	}
}
