package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadState  = "store.load_state"
	opSaveState  = "store.save_state"
	fieldNoteID  = "note_id"
	queryNoteID  = "note_id = ?"
	reasonDecode = "state_decode_failed"
	reasonQuery  = "query_failed"
	reasonUpsert = "upsert_failed"
)

var errMissingDatabase = errors.New("store: database handle is required")

// AdapterConfig describes the dependencies of the durable store adapter.
type AdapterConfig struct {
	Database *gorm.DB
	Cache    *Cache
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Adapter loads and saves encoded document state across the cache tier and the
// durable snapshot table. The cache is purely a latency optimization: every
// cache failure degrades to a durable-store read.
type Adapter struct {
	db     *gorm.DB
	cache  *Cache
	clock  func() time.Time
	logger *zap.Logger
}

// NewAdapter constructs an Adapter and validates its dependencies. The cache
// is optional; without one every load goes straight to the durable store.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		db:     cfg.Database,
		cache:  cfg.Cache,
		clock:  clock,
		logger: logger,
	}, nil
}

// LoadState returns the encoded state for the document, consulting the cache
// tier first and falling back to the durable store. The boolean reports
// whether any state exists; a brand-new document returns (nil, false, nil).
func (a *Adapter) LoadState(ctx context.Context, documentID string) ([]byte, bool, error) {
	if a.cache != nil {
		if state, ok := a.cache.Get(documentID); ok {
			return state, true, nil
		}
	}

	var record SnapshotRecord
	err := a.db.WithContext(ctx).Where(queryNoteID, documentID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		a.logger.Error("snapshot load failed",
			zap.String("op", opLoadState),
			zap.String("reason", reasonQuery),
			zap.String(fieldNoteID, documentID),
			zap.Error(err))
		return nil, false, fmt.Errorf("%s.%s: %w", opLoadState, reasonQuery, err)
	}

	state, err := base64.StdEncoding.DecodeString(record.StateB64)
	if err != nil {
		a.logger.Error("snapshot payload is not valid base64",
			zap.String("op", opLoadState),
			zap.String("reason", reasonDecode),
			zap.String(fieldNoteID, documentID),
			zap.Error(err))
		return nil, false, fmt.Errorf("%s.%s: %w", opLoadState, reasonDecode, err)
	}

	if a.cache != nil {
		a.cache.Set(documentID, state)
	}
	return state, true, nil
}

// SaveState writes the snapshot row and opportunistically refreshes the cache
// entry. The text projection and excerpt ride along in the same row; they are
// best-effort inputs and may be empty without affecting the binary write.
func (a *Adapter) SaveState(ctx context.Context, documentID string, state []byte, searchableText string, excerpt string) error {
	record := SnapshotRecord{
		NoteID:           documentID,
		StateB64:         base64.StdEncoding.EncodeToString(state),
		SearchableText:   searchableText,
		Excerpt:          excerpt,
		UpdatedAtSeconds: a.clock().UTC().Unix(),
	}

	err := a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldNoteID}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		a.logger.Error("snapshot write failed",
			zap.String("op", opSaveState),
			zap.String("reason", reasonUpsert),
			zap.String(fieldNoteID, documentID),
			zap.Error(err))
		return fmt.Errorf("%s.%s: %w", opSaveState, reasonUpsert, err)
	}

	if a.cache != nil {
		a.cache.Set(documentID, state)
	}
	return nil
}

// DropCached removes the cache entry so the next load reads the durable store.
func (a *Adapter) DropCached(documentID string) {
	if a.cache != nil {
		a.cache.Invalidate(documentID)
	}
}
