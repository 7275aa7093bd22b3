package session

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestInsertText(t *testing.T) {
	tests := []struct {
		name       string
		initial    string
		text       string
		appendMode bool
		expected   string
	}{
		{"append to existing", "hello", " world", true, "hello world"},
		{"replace existing", "hello", "bye", false, "bye"},
		{"append blank is dropped", "hello", "   ", true, "hello"},
		{"replace with blank clears", "hello", "", false, ""},
		{"append to empty", "", "x", true, "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newFakeInjector()
			inj.editor = &fakeEditor{text: tt.initial}
			insertText(inj, tt.text, tt.appendMode)
			assert.Equal(t, tt.expected, inj.editor.text)
		})
	}
}

func TestInsertTextWithoutEditorIsNoop(t *testing.T) {
	inj := newFakeInjector()
	insertText(inj, "anything", true)
	insertText(nil, "anything", false)
	assert.Empty(t, inj.Calls())
}

func TestApplyKeyEditing(t *testing.T) {
	tests := []struct {
		name      string
		initial   string
		start     int
		end       int
		key       string
		shift     bool
		wantText  string
		wantStart int
		wantEnd   int
	}{
		{"backspace at cursor", "abc", 2, 2, "backspace", false, "ac", 1, 1},
		{"backspace at origin", "abc", 0, 0, "backspace", false, "abc", 0, 0},
		{"backspace removes selection", "abcdef", 1, 4, "backspace", false, "aef", 1, 1},
		{"delete at cursor", "abc", 1, 1, "delete", false, "ac", 1, 1},
		{"delete at end", "abc", 3, 3, "delete", false, "abc", 3, 3},
		{"delete removes selection", "abcdef", 1, 4, "delete", false, "aef", 1, 1},
		{"left moves cursor", "abc", 2, 2, "left", false, "abc", 1, 1},
		{"left collapses selection", "abc", 1, 3, "left", false, "abc", 1, 1},
		{"right moves cursor", "abc", 1, 1, "right", false, "abc", 2, 2},
		{"right stops at end", "abc", 3, 3, "arrowright", false, "abc", 3, 3},
		{"up jumps to start", "abc", 2, 2, "up", false, "abc", 0, 0},
		{"down jumps to end", "abc", 0, 0, "down", false, "abc", 3, 3},
		{"shift enter inserts newline", "ab", 1, 1, "enter", true, "a\nb", 2, 2},
		{"tab inserts tab", "ab", 1, 1, "tab", false, "a\tb", 2, 2},
		{"no selection info means end", "abc", -1, -1, "backspace", false, "ab", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newFakeInjector()
			inj.editor = &fakeEditor{text: tt.initial, start: tt.start, end: tt.end}
			applyKey(inj, tt.key, tt.shift)
			assert.Equal(t, tt.wantText, inj.editor.text)
			assert.Equal(t, tt.wantStart, inj.editor.start)
			assert.Equal(t, tt.wantEnd, inj.editor.end)
		})
	}
}

func TestApplyKeyMultibyteText(t *testing.T) {
	tests := []struct {
		name      string
		initial   string
		start     int
		end       int
		key       string
		wantText  string
		wantStart int
	}{
		{"backspace removes whole rune", "hé", 2, 2, "backspace", "h", 1},
		{"backspace at end without selection info", "hé", -1, -1, "backspace", "h", 1},
		{"delete removes whole rune", "héllo", 1, 1, "delete", "hllo", 1},
		{"selection spans runes", "日本語です", 1, 3, "backspace", "日です", 1},
		{"right steps one rune", "né", 1, 1, "right", "né", 2},
		{"down jumps to rune count", "日本語", 0, 0, "down", "日本語", 3},
		{"tab after rune", "é", 1, 1, "tab", "é\t", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inj := newFakeInjector()
			inj.editor = &fakeEditor{text: tt.initial, start: tt.start, end: tt.end}
			applyKey(inj, tt.key, false)
			assert.Equal(t, tt.wantText, inj.editor.text)
			assert.Equal(t, tt.wantStart, inj.editor.start)
			assert.True(t, utf8.ValidString(inj.editor.text))
		})
	}
}

func TestEnterSubmitHeuristic(t *testing.T) {
	// A bare Enter tries the send control first and stops when it fires.
	inj := newFakeInjector()
	inj.canSend = true
	inj.editor = &fakeEditor{text: "msg", start: 3, end: 3}
	applyKey(inj, "enter", false)
	assert.Equal(t, 1, inj.sends)
	assert.Equal(t, "msg", inj.editor.text)

	// Without a send control the Enter falls back to a newline.
	inj = newFakeInjector()
	inj.canSend = false
	inj.editor = &fakeEditor{text: "msg", start: 3, end: 3}
	applyKey(inj, "enter", false)
	assert.Equal(t, 1, inj.sends)
	assert.Equal(t, "msg\n", inj.editor.text)

	// Shift+Enter never touches the send control.
	inj = newFakeInjector()
	inj.canSend = true
	inj.editor = &fakeEditor{text: "msg", start: 3, end: 3}
	applyKey(inj, "enter", true)
	assert.Equal(t, 0, inj.sends)
	assert.Equal(t, "msg\n", inj.editor.text)
}

func TestClampSelection(t *testing.T) {
	tests := []struct {
		name      string
		start     int
		end       int
		length    int
		wantStart int
		wantEnd   int
	}{
		{"in range", 1, 2, 5, 1, 2},
		{"negative maps to end", -1, -1, 5, 5, 5},
		{"swapped pair", 4, 1, 5, 1, 4},
		{"beyond length", 3, 9, 5, 3, 5},
		{"empty text", 2, 3, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := clampSelection(tt.start, tt.end, tt.length)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}
