package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opResolvePermission   = "access.resolve_permission"
	reasonDocumentLookup  = "document_lookup_failed"
	reasonRoleLookup      = "collaborator_lookup_failed"
	queryDocumentID       = "note_id = ?"
	queryDocumentUser     = "note_id = ? AND user_id = ?"
	fieldDocumentID       = "document_id"
	fieldCollaboratorRole = "role"
)

// Permission enumerates the access levels a user can hold on a document.
type Permission string

const (
	// PermissionEdit allows merging updates into the shared document.
	PermissionEdit Permission = "edit"
	// PermissionRead allows observing broadcasts without contributing updates.
	PermissionRead Permission = "read"
	// PermissionNone denies attachment entirely.
	PermissionNone Permission = "none"
)

var errMissingDatabase = errors.New("access: database handle is required")

// ResolverConfig describes the dependencies for permission resolution.
type ResolverConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Resolver answers permission lookups against the CRUD-owned ownership tables.
// The sync engine never writes these tables; document records are created and
// shared exclusively through the CRUD layer.
type Resolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResolver constructs a Resolver and validates its dependencies.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: cfg.Database, logger: logger}, nil
}

// Resolve returns the permission the user holds on the document. A missing
// document record resolves to PermissionNone rather than an error.
func (r *Resolver) Resolve(ctx context.Context, userID string, documentID string) (Permission, error) {
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return PermissionNone, nil
	}

	var document DocumentRecord
	err := r.db.WithContext(ctx).Where(queryDocumentID, documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PermissionNone, nil
	}
	if err != nil {
		r.logger.Error("permission document lookup failed",
			zap.String("op", opResolvePermission),
			zap.String("reason", reasonDocumentLookup),
			zap.String(fieldDocumentID, documentID),
			zap.Error(err))
		return PermissionNone, fmt.Errorf("%s.%s: %w", opResolvePermission, reasonDocumentLookup, err)
	}
	if document.OwnerID == userID {
		return PermissionEdit, nil
	}

	var collaborator CollaboratorRecord
	err = r.db.WithContext(ctx).Where(queryDocumentUser, documentID, userID).Take(&collaborator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PermissionNone, nil
	}
	if err != nil {
		r.logger.Error("permission collaborator lookup failed",
			zap.String("op", opResolvePermission),
			zap.String("reason", reasonRoleLookup),
			zap.String(fieldDocumentID, documentID),
			zap.Error(err))
		return PermissionNone, fmt.Errorf("%s.%s: %w", opResolvePermission, reasonRoleLookup, err)
	}

	switch Permission(collaborator.Role) {
	case PermissionEdit:
		return PermissionEdit, nil
	case PermissionRead:
		return PermissionRead, nil
	default:
		r.logger.Warn("collaborator carries unknown role",
			zap.String("op", opResolvePermission),
			zap.String(fieldDocumentID, documentID),
			zap.String(fieldCollaboratorRole, collaborator.Role))
		return PermissionNone, nil
	}
}
