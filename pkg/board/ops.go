package board

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// op is one primitive mutation of the item document. apply runs with the
// store lock held, inside an open transaction, and returns the op that
// reverses it, or nil when it turned out to be a no-op.
type op interface {
	apply(s *Store) (op, error)
}

type opPut struct {
	item Item
}

func (o opPut) apply(s *Store) (op, error) {
	if err := writeItem(s.items, o.item); err != nil {
		return nil, err
	}
	return opRemove{id: o.item.ID}, nil
}

type opRemove struct {
	id string
}

func (o opRemove) apply(s *Store) (op, error) {
	v, err := s.items.Get(o.id)
	if err != nil || v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	// capture the record so an undo can restore positions and text
	var inv op
	if it, err := readItem(v); err == nil {
		inv = opPut{item: it}
	}
	if err := s.items.Delete(o.id); err != nil {
		return nil, fmt.Errorf("failed to delete %q: %w", o.id, err)
	}
	return inv, nil
}

type opMove struct {
	ids    []string
	dx, dy float64
}

func (o opMove) apply(s *Store) (op, error) {
	for _, id := range o.ids {
		v, err := s.items.Get(id)
		if err != nil || v.Kind() != automerge.KindMap {
			continue
		}
		m := v.Map()
		if err := m.Set("x", numField(m, "x")+o.dx); err != nil {
			return nil, fmt.Errorf("failed to move %q: %w", id, err)
		}
		if err := m.Set("y", numField(m, "y")+o.dy); err != nil {
			return nil, fmt.Errorf("failed to move %q: %w", id, err)
		}
	}
	return opMove{ids: o.ids, dx: -o.dx, dy: -o.dy}, nil
}

type opSplice struct {
	id   string
	pos  int
	del  int
	text string
}

func (o opSplice) apply(s *Store) (op, error) {
	v, err := s.items.Get(o.id)
	if err != nil || v.Kind() != automerge.KindMap {
		return nil, nil
	}
	cv, err := v.Map().Get("content")
	if err != nil || cv.Kind() != automerge.KindText {
		return nil, nil
	}
	t := cv.Text()
	current, err := t.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read content of %q: %w", o.id, err)
	}
	runes := []rune(current)
	pos := clamp(o.pos, 0, len(runes))
	del := clamp(o.del, 0, len(runes)-pos)
	deleted := string(runes[pos : pos+del])
	if del > 0 {
		if err := t.Delete(pos, del); err != nil {
			return nil, fmt.Errorf("failed to delete from content of %q: %w", o.id, err)
		}
	}
	if o.text != "" {
		if err := t.Insert(pos, o.text); err != nil {
			return nil, fmt.Errorf("failed to insert into content of %q: %w", o.id, err)
		}
	}
	return opSplice{id: o.id, pos: pos, del: len([]rune(o.text)), text: deleted}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
