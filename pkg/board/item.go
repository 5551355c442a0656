package board

import (
	"fmt"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// ItemType discriminates the kinds of items that can live on the canvas.
type ItemType string

const TypeNote ItemType = "Note"

// Position is a point in canvas coordinates.
type Position struct {
	X float64
	Y float64
}

// Item is the durable unit on the canvas. Content is a snapshot of the
// item's collaborative text sequence; the live sequence is edited through
// Store.SpliceText so that concurrent edits merge per character.
type Item struct {
	ID       string
	Type     ItemType
	Position Position
	Content  string
}

// NewItemID returns a fresh globally unique item id. Ids are never reused.
func NewItemID() string {
	return uuid.NewString()
}

var errUnknownType = fmt.Errorf("unknown item type")

// writeItem stores the item as a nested map under its id in the given items
// map. The content text sequence is created here and owned by the record.
func writeItem(items *automerge.Map, it Item) error {
	if err := items.Set(it.ID, map[string]any{
		"id":   it.ID,
		"type": string(it.Type),
		"x":    it.Position.X,
		"y":    it.Position.Y,
	}); err != nil {
		return fmt.Errorf("failed to set item %q: %w", it.ID, err)
	}
	v, err := items.Get(it.ID)
	if err != nil {
		return fmt.Errorf("failed to reread item %q: %w", it.ID, err)
	}
	if err := v.Map().Set("content", automerge.NewText(it.Content)); err != nil {
		return fmt.Errorf("failed to set content of %q: %w", it.ID, err)
	}
	return nil
}

// ReadItem decodes one stored record from a raw document value, for tools
// that inspect documents outside a Store.
func ReadItem(v *automerge.Value) (Item, error) {
	return readItem(v)
}

// readItem decodes one stored record. Records with an unknown type or a
// missing content sequence are unreadable and reported as an error so that
// callers can treat them as absent rather than failing the whole document.
func readItem(v *automerge.Value) (Item, error) {
	if v == nil || v.Kind() != automerge.KindMap {
		return Item{}, fmt.Errorf("record is not a map")
	}
	m := v.Map()
	idV, err := m.Get("id")
	if err != nil || idV.Kind() != automerge.KindStr {
		return Item{}, fmt.Errorf("record has no id")
	}
	typeV, err := m.Get("type")
	if err != nil || typeV.Kind() != automerge.KindStr {
		return Item{}, fmt.Errorf("record has no type")
	}
	if ItemType(typeV.Str()) != TypeNote {
		return Item{}, fmt.Errorf("%w: %q", errUnknownType, typeV.Str())
	}
	contentV, err := m.Get("content")
	if err != nil || contentV.Kind() != automerge.KindText {
		return Item{}, fmt.Errorf("record %q has no content sequence", idV.Str())
	}
	content, err := contentV.Text().Get()
	if err != nil {
		return Item{}, fmt.Errorf("failed to read content of %q: %w", idV.Str(), err)
	}
	return Item{
		ID:       idV.Str(),
		Type:     ItemType(typeV.Str()),
		Position: Position{X: numField(m, "x"), Y: numField(m, "y")},
		Content:  content,
	}, nil
}

func numField(m *automerge.Map, key string) float64 {
	v, err := m.Get(key)
	if err != nil {
		return 0
	}
	switch v.Kind() {
	case automerge.KindFloat64:
		return v.Float64()
	case automerge.KindInt64:
		return float64(v.Int64())
	default:
		return 0
	}
}
