package chat

// Transcript is the ordered message history of one workspace session.
// It is append-only except for the trailing assistant entry, which the
// streaming path replaces in place.
type Transcript []Message

// Append adds a message at the end.
func (t *Transcript) Append(m Message) {
	*t = append(*t, m)
}

// ReplaceLast swaps the trailing entry for a new text message. On an empty
// transcript it appends.
func (t *Transcript) ReplaceLast(role Role, text string) {
	if len(*t) == 0 {
		t.Append(NewText(role, text))
		return
	}
	(*t)[len(*t)-1] = NewText(role, text)
}

// DropLast removes the trailing entry, if any.
func (t *Transcript) DropLast() {
	if len(*t) == 0 {
		return
	}
	*t = (*t)[:len(*t)-1]
}

// Last returns the trailing entry and whether one exists.
func (t Transcript) Last() (Message, bool) {
	if len(t) == 0 {
		return Message{}, false
	}
	return t[len(t)-1], true
}

// Clone returns a copy that does not share the backing array.
func (t Transcript) Clone() Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}
