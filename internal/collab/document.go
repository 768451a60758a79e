package collab

import (
	"errors"
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
)

// contentKey is the root property collaborative editors write the document
// text under. Other properties are synchronized as-is but do not feed the
// search projection.
const contentKey = "content"

const excerptLimit = 160

var errEmptyUpdate = errors.New("collab: empty update payload")

// Document wraps one replicated automerge document. It is owned exclusively
// by a Session's run loop; nothing here is safe for concurrent use.
type Document struct {
	doc *automerge.Doc

	// knownHeads indexes every head hash this process has observed for the
	// document, so incremental diffs can be computed against heads a client
	// reports without reconstructing hashes from wire bytes.
	knownHeads map[string]automerge.ChangeHash
}

// NewDocument returns an empty replicated document.
func NewDocument() *Document {
	d := &Document{
		doc:        automerge.New(),
		knownHeads: make(map[string]automerge.ChangeHash),
	}
	d.rememberHeads()
	return d
}

// LoadDocument reconstructs a document from durable state bytes.
func LoadDocument(state []byte) (*Document, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("collab: load document state: %w", err)
	}
	d := &Document{
		doc:        doc,
		knownHeads: make(map[string]automerge.ChangeHash),
	}
	d.rememberHeads()
	return d, nil
}

// ApplyUpdate merges an encoded update (incremental change set or a full
// encoded document) into the replicated state.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return errEmptyUpdate
	}
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("collab: merge update: %w", err)
	}
	d.rememberHeads()
	return nil
}

// Encode returns the full durable encoding of the current state.
func (d *Document) Encode() []byte {
	return d.doc.Save()
}

// EncodedSize reports the size of the full encoding, used to decide when
// snapshot compaction is worthwhile.
func (d *Document) EncodedSize() int {
	return len(d.doc.Save())
}

// Heads returns the current head hashes in their canonical string form.
func (d *Document) Heads() []string {
	heads := d.doc.Heads()
	out := make([]string, 0, len(heads))
	for _, head := range heads {
		out = append(out, head.String())
	}
	return out
}

// DiffSince produces the update bytes a client at the given heads is missing.
// Unknown or absent heads fall back to the full encoding, which merges
// losslessly on the client side. A nil result means the client is current.
func (d *Document) DiffSince(heads []string) []byte {
	if len(heads) == 0 {
		return d.doc.Save()
	}
	since := make([]automerge.ChangeHash, 0, len(heads))
	for _, head := range heads {
		known, ok := d.knownHeads[head]
		if !ok {
			return d.doc.Save()
		}
		since = append(since, known)
	}
	changes, err := d.doc.Changes(since...)
	if err != nil {
		return d.doc.Save()
	}
	if len(changes) == 0 {
		return nil
	}
	var update []byte
	for _, change := range changes {
		update = append(update, change.Save()...)
	}
	return update
}

// Compact re-encodes the document through a fresh load, dropping decode-time
// caches and dead metadata from the in-memory representation. Callers must
// only invoke this on a quiet document.
func (d *Document) Compact() error {
	compacted, err := automerge.Load(d.doc.Save())
	if err != nil {
		return fmt.Errorf("collab: compact re-encode: %w", err)
	}
	d.doc = compacted
	d.knownHeads = make(map[string]automerge.ChangeHash)
	d.rememberHeads()
	return nil
}

// PlainText extracts the text projection used for search indexing. The
// projection is best-effort: documents without a recognizable content
// property yield an empty string.
func (d *Document) PlainText() string {
	value, err := d.doc.Path(contentKey).Get()
	if err != nil || value == nil {
		return ""
	}
	switch value.Kind() {
	case automerge.KindStr:
		return value.Str()
	case automerge.KindText:
		text, err := value.Text().Get()
		if err != nil {
			return ""
		}
		return text
	default:
		return ""
	}
}

// Excerpt derives a short single-line preview from the text projection.
func (d *Document) Excerpt() string {
	text := strings.TrimSpace(d.PlainText())
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
	}
	runes := []rune(text)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit])
	}
	return text
}

func (d *Document) rememberHeads() {
	for _, head := range d.doc.Heads() {
		d.knownHeads[head.String()] = head
	}
}
