package access

// DocumentRecord mirrors the CRUD layer's document ownership row. The sync
// engine reads it to resolve permissions and never creates or deletes rows.
type DocumentRecord struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

// CollaboratorRecord mirrors the CRUD layer's sharing grants.
type CollaboratorRecord struct {
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role   string `gorm:"column:role;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollaboratorRecord) TableName() string {
	return "document_collaborators"
}
