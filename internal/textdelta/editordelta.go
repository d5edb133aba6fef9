package textdelta

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkg/errors"
	ot "github.com/shiv248/operational-transformation-go"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Position is a code-point-based line/character coordinate. A character
// index equal to the line's code-point length denotes the position after
// the last character of that line; a line index equal to the total number
// of lines denotes the position after the trailing newline.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a (start, end) pair of positions. The two ends may arrive
// reversed (head before anchor); conversion only cares about their
// document order, so callers should not assume Start precedes End.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

func (r Range) ordered() (Position, Position) {
	if posLess(r.End, r.Start) {
		return r.End, r.Start
	}
	return r.Start, r.End
}

func posLess(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Character < b.Character
}

// EditorTextOp is one (range, replacement) edit expressed positionally.
type EditorTextOp struct {
	Range       Range  `json:"range"`
	Replacement string `json:"replacement"`
}

// EditorTextDelta is an ordered, non-overlapping sequence of positional
// edits, all expressed against the same snapshot of file content.
type EditorTextDelta []EditorTextOp

type lineIndex struct {
	runes      []rune
	lineStarts []int // code-point offset of the start of each line
}

func buildLineIndex(content string) lineIndex {
	runes := []rune(content)
	starts := []int{0}
	for i, r := range runes {
		if r == '\n' {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{runes: runes, lineStarts: starts}
}

// offset resolves a Position to an absolute code-point offset, honoring
// the "after last line"/"after last character" sentinel positions.
func (li lineIndex) offset(p Position) (int, error) {
	lineCount := len(li.lineStarts)
	if p.Line == lineCount {
		if p.Character != 0 {
			return 0, errors.Errorf("character must be 0 at synthetic end-of-file line %d", p.Line)
		}
		return len(li.runes), nil
	}
	if p.Line < 0 || p.Line > lineCount {
		return 0, errors.Errorf("line %d out of range (0..=%d)", p.Line, lineCount)
	}
	lineStart := li.lineStarts[p.Line]
	lineEnd := len(li.runes)
	if p.Line+1 < lineCount {
		lineEnd = li.lineStarts[p.Line+1] - 1 // exclude the newline itself
	}
	lineLen := lineEnd - lineStart
	if p.Character < 0 || p.Character > lineLen {
		return 0, errors.Errorf("character %d out of range (0..=%d) on line %d", p.Character, lineLen, p.Line)
	}
	return lineStart + p.Character, nil
}

func (li lineIndex) position(offset int) Position {
	line := 0
	for line+1 < len(li.lineStarts) && li.lineStarts[line+1] <= offset {
		line++
	}
	return Position{Line: line, Character: offset - li.lineStarts[line]}
}

// ToInternal converts an editor delta into a single internal TextDelta,
// given the content it applies against. Ops are expected in document
// order and non-overlapping; each op's range is resolved against the
// original content, so a later op's range is not shifted by the length
// change of the ops before it.
func ToInternal(content string, delta EditorTextDelta) (*TextDelta, error) {
	li := buildLineIndex(content)
	totalLen := len(li.runes)

	out := New()
	cursor := 0 // code-point position already retained/consumed in `content`

	for _, op := range delta {
		start, end := op.Range.ordered()
		startOff, err := li.offset(start)
		if err != nil {
			return nil, errors.Wrap(err, "resolving range start")
		}
		endOff, err := li.offset(end)
		if err != nil {
			return nil, errors.Wrap(err, "resolving range end")
		}
		if startOff < cursor {
			return nil, errors.Errorf("editor delta ops out of order or overlapping at offset %d", startOff)
		}

		if gap := startOff - cursor; gap > 0 {
			out.Retain(uint64(gap))
		}
		if length := endOff - startOff; length > 0 {
			out.Delete(uint64(length))
		}
		if op.Replacement != "" {
			out.Insert(op.Replacement)
		}
		cursor = endOff
	}
	if tail := totalLen - cursor; tail > 0 {
		out.Retain(uint64(tail))
	}
	return out, nil
}

// FromInternal converts an internal delta back into editor-positional
// form, given the content it applies against. One (range, replacement)
// pair is emitted per delete and per insert; insert-only ops use a
// zero-width range at the current position.
func FromInternal(content string, delta *TextDelta) EditorTextDelta {
	li := buildLineIndex(content)

	var out EditorTextDelta
	pos := 0
	for _, rawOp := range delta.Ops() {
		switch op := rawOp.(type) {
		case ot.Retain:
			pos += int(op.N)
		case ot.Delete:
			start := li.position(pos)
			end := li.position(pos + int(op.N))
			out = append(out, EditorTextOp{Range: Range{Start: start, End: end}, Replacement: ""})
			pos += int(op.N)
		case ot.Insert:
			at := li.position(pos)
			out = append(out, EditorTextOp{Range: Range{Start: at, End: at}, Replacement: op.Text})
		default:
			panic(fmt.Sprintf("textdelta: unknown op type %T", rawOp))
		}
	}
	return out
}

// FromDiff computes an internal delta that turns before into after, via
// a character-chunk diff with semantic cleanup (which favours readable
// chunks over the smallest possible edit). Used to absorb changes made to a
// file while the daemon wasn't watching it.
func FromDiff(before, after string) *TextDelta {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	out := New()
	for _, d := range diffs {
		n := uint64(utf8.RuneCountInString(d.Text))
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			out.Retain(n)
		case diffmatchpatch.DiffDelete:
			out.Delete(n)
		case diffmatchpatch.DiffInsert:
			out.Insert(d.Text)
		}
	}
	return out
}
