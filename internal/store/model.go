package store

// SnapshotRecord stores the durable, versionless byte-encoding of a document's
// replicated state plus the derived text projection consumed by the CRUD
// layer's search indexing.
type SnapshotRecord struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	SearchableText   string `gorm:"column:searchable_text;type:text;not null;default:''"`
	Excerpt          string `gorm:"column:excerpt;size:512;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_snapshots"
}
