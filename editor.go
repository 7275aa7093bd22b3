package session

import "strings"

// insertText appends to or replaces the content of the focused editable
// element. A no-op when no backend is bound or nothing editable has focus.
func insertText(inj Injector, text string, appendMode bool) {
	if inj == nil {
		return
	}
	if appendMode && strings.TrimSpace(text) == "" {
		return
	}
	ed, ok := inj.FocusedEditor()
	if !ok {
		return
	}
	if appendMode {
		_ = ed.SetText(ed.Text() + text)
		return
	}
	_ = ed.SetText(text)
}

// applyKey drives the focused editor one key at a time: cursor movement,
// selection-aware backspace/delete, newline/tab insertion, and the Enter
// submit heuristic (a bare Enter first tries the send control).
// Selection offsets are rune positions, never byte offsets, so multibyte
// text survives editing intact.
func applyKey(inj Injector, key string, shift bool) {
	if inj == nil {
		return
	}
	ed, ok := inj.FocusedEditor()
	if !ok {
		return
	}
	runes := []rune(ed.Text())
	selStart, selEnd := ed.Selection()
	start, end := clampSelection(selStart, selEnd, len(runes))

	switch strings.ToLower(strings.TrimSpace(key)) {
	case "arrowleft", "left":
		pos := start
		if start == end {
			pos = max(start-1, 0)
		}
		_ = ed.SetSelection(pos, pos)
	case "arrowright", "right":
		pos := end
		if start == end {
			pos = min(end+1, len(runes))
		}
		_ = ed.SetSelection(pos, pos)
	case "arrowup", "up":
		_ = ed.SetSelection(0, 0)
	case "arrowdown", "down":
		_ = ed.SetSelection(len(runes), len(runes))
	case "backspace":
		newText, cursor := deleteAt(runes, start, end, false)
		setTextAndCursor(ed, newText, cursor)
	case "delete":
		newText, cursor := deleteAt(runes, start, end, true)
		setTextAndCursor(ed, newText, cursor)
	case "enter", "return":
		if !shift && inj.ActivateSend() {
			return
		}
		newText, cursor := insertAt(runes, start, end, "\n")
		setTextAndCursor(ed, newText, cursor)
	case "tab":
		newText, cursor := insertAt(runes, start, end, "\t")
		setTextAndCursor(ed, newText, cursor)
	}
}

func setTextAndCursor(ed Editor, text string, cursor int) {
	if err := ed.SetText(text); err != nil {
		return
	}
	_ = ed.SetSelection(max(cursor, 0), max(cursor, 0))
}

// clampSelection normalizes a selection into [0,length] with start<=end.
// Editors report -1 when the platform has no selection info; that maps to
// a cursor at the end of the text.
func clampSelection(start, end, length int) (int, int) {
	if start < 0 {
		start = length
	}
	if end < 0 {
		end = length
	}
	start = min(max(start, 0), length)
	end = min(max(end, 0), length)
	if start > end {
		start, end = end, start
	}
	return start, end
}

// deleteAt removes the selection, or one rune before (backspace) or after
// (forward delete) the cursor when the selection is empty. Offsets are
// rune positions; returns the new text and cursor position.
func deleteAt(runes []rune, start, end int, forward bool) (string, int) {
	if start != end {
		return string(runes[:start]) + string(runes[end:]), start
	}
	if forward {
		if start >= len(runes) {
			return string(runes), start
		}
		return string(runes[:start]) + string(runes[start+1:]), start
	}
	if start <= 0 {
		return string(runes), start
	}
	return string(runes[:start-1]) + string(runes[start:]), start - 1
}

// insertAt replaces the selection with the given string and places the
// cursor after it.
func insertAt(runes []rune, start, end int, ins string) (string, int) {
	return string(runes[:start]) + ins + string(runes[end:]), start + len([]rune(ins))
}
