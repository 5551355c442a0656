package presence

import "testing"

func TestSetLocalBroadcastsWholeRecord(t *testing.T) {
	a := New("c1", User{Name: "n", Color: "#fff"})
	var got []Update
	a.OnBroadcast(func(u Update) { got = append(got, u) })

	a.SetCursor(&Cursor{X: 1, Y: 2})
	a.SetEditingID("note-1")

	if len(got) != 2 {
		t.Fatalf("expected one broadcast per write, got %d", len(got))
	}
	last := got[1]
	if last.ClientID != "c1" || last.State == nil {
		t.Fatalf("unexpected update %+v", last)
	}
	// the full record travels, not a field diff
	if last.State.Cursor == nil || last.State.Cursor.X != 1 || last.State.EditingID != "note-1" || last.State.User.Name != "n" {
		t.Errorf("broadcast is missing earlier fields: %+v", last.State)
	}
	if got[0].Clock >= got[1].Clock {
		t.Errorf("clock must advance per write: %d then %d", got[0].Clock, got[1].Clock)
	}
}

func TestApplyLastWriteWins(t *testing.T) {
	a := New("local", User{})
	a.Apply(Update{ClientID: "peer", Clock: 2, State: &State{EditingID: "x"}})
	a.Apply(Update{ClientID: "peer", Clock: 1, State: &State{EditingID: "stale"}})
	a.Apply(Update{ClientID: "peer", Clock: 2, State: &State{EditingID: "dup"}})

	st, ok := a.States()["peer"]
	if !ok {
		t.Fatal("expected peer record")
	}
	if st.EditingID != "x" {
		t.Errorf("stale or duplicate write was applied: %+v", st)
	}
}

func TestApplyIgnoresWritesAboutLocalClient(t *testing.T) {
	a := New("local", User{Name: "me"})
	a.Apply(Update{ClientID: "local", Clock: 99, State: &State{User: User{Name: "impostor"}}})
	if a.LocalState().User.Name != "me" {
		t.Error("only the owner may write its record")
	}
}

func TestLeaveRemovesRecord(t *testing.T) {
	a := New("local", User{})
	changes := 0
	defer a.OnChange(func() { changes++ })()

	a.Apply(Update{ClientID: "peer", Clock: 1, State: &State{EditingID: "note-7"}})
	a.Apply(Update{ClientID: "peer", Clock: 2, State: nil})

	if _, ok := a.States()["peer"]; ok {
		t.Error("record must disappear on leave")
	}
	if changes != 2 {
		t.Errorf("expected a change notification per apply, got %d", changes)
	}
}

func TestStatesAreCopies(t *testing.T) {
	a := New("local", User{})
	a.Apply(Update{ClientID: "peer", Clock: 1, State: &State{SelectedItemIDs: []string{"a"}}})

	snap := a.States()
	st := snap["peer"]
	st.SelectedItemIDs[0] = "mutated"

	again := a.States()["peer"]
	if again.SelectedItemIDs[0] != "a" {
		t.Error("States must return copies, not references")
	}
}

func TestUpdateCodecRoundTrip(t *testing.T) {
	u := Update{ClientID: "c", Clock: 7, State: &State{
		User:            User{Name: "n", Color: "#123"},
		Cursor:          &Cursor{X: 3, Y: 4},
		SelectedItemIDs: []string{"a", "b"},
		SelectionBox:    SelectionBox{Active: true, StartX: 1, EndX: 2},
	}}
	raw, err := EncodeUpdate(u)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DecodeUpdate(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.ClientID != "c" || back.Clock != 7 || back.State == nil || !back.State.SelectionBox.Active {
		t.Errorf("unexpected round trip: %+v", back)
	}
	if _, err := DecodeUpdate([]byte(`{"clock":1}`)); err == nil {
		t.Error("an update without a client id must be rejected")
	}
	if _, err := DecodeUpdate([]byte(`garbage`)); err == nil {
		t.Error("garbage must be rejected")
	}
}
