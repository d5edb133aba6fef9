// Package textdelta provides the canonical text-operation representation
// used throughout the daemon: an offset-based internal delta built on top
// of operational-transformation-go's OperationSeq, and a positional
// "editor" delta convertible to and from it given the content it applies
// against.
package textdelta

import (
	"github.com/pkg/errors"
	ot "github.com/shiv248/operational-transformation-go"
)

// TextDelta is a sequence of retain/insert/delete steps, counted in code
// points, forming a monoid under composition.
type TextDelta struct {
	seq *ot.OperationSeq
}

// New returns an empty delta (the identity of composition).
func New() *TextDelta {
	return &TextDelta{seq: ot.NewOperationSeq()}
}

// Retain appends a retain step of n code points. Zero-length steps are
// dropped by the underlying library.
func (d *TextDelta) Retain(n uint64) *TextDelta {
	d.seq.Retain(n)
	return d
}

// Insert appends an insertion of s.
func (d *TextDelta) Insert(s string) *TextDelta {
	d.seq.Insert(s)
	return d
}

// Delete appends a deletion of n code points.
func (d *TextDelta) Delete(n uint64) *TextDelta {
	d.seq.Delete(n)
	return d
}

// BaseLen is the number of code points this delta expects in its input.
func (d *TextDelta) BaseLen() uint64 { return d.seq.BaseLen() }

// TargetLen is the number of code points this delta produces.
func (d *TextDelta) TargetLen() uint64 { return d.seq.TargetLen() }

// IsNoop reports whether this delta changes nothing.
func (d *TextDelta) IsNoop() bool { return d.seq.IsNoop() }

// Apply runs the delta against s, which must have BaseLen() code points.
func (d *TextDelta) Apply(s string) (string, error) {
	out, err := d.seq.Apply(s)
	if err != nil {
		return "", errors.Wrap(err, "applying text delta")
	}
	return out, nil
}

// Invert returns the delta that undoes d, given the content d applied to.
func (d *TextDelta) Invert(before string) *TextDelta {
	return &TextDelta{seq: d.seq.Invert(before)}
}

// Ops exposes the underlying steps for callers (such as the editor-delta
// converter) that need to walk them directly.
func (d *TextDelta) Ops() []interface{} { return d.seq.Ops() }

// padToLen appends a trailing retain so the delta's base length reaches n.
// This is the "transform asymmetry padding" rule: deltas only carry the
// content they touch, not the whole document, so the untouched tail is
// padded in on whichever side is shorter before composing or transforming.
func padToLen(seq *ot.OperationSeq, n uint64) *ot.OperationSeq {
	if seq.BaseLen() >= n {
		return seq
	}
	padded := ot.NewOperationSeq()
	for _, op := range seq.Ops() {
		switch v := op.(type) {
		case ot.Retain:
			padded.Retain(v.N)
		case ot.Insert:
			padded.Insert(v.Text)
		case ot.Delete:
			padded.Delete(v.N)
		}
	}
	padded.Retain(n - seq.BaseLen())
	return padded
}

// PadTo returns d with a trailing retain appended so its base length
// reaches n, if it is currently shorter. Used to force-apply a delta
// against content longer than the delta itself expects.
func PadTo(d *TextDelta, n uint64) *TextDelta {
	return &TextDelta{seq: padToLen(d.seq, n)}
}

// Compose returns a ∘ b: the single delta equivalent to applying a then b.
// Requires a.TargetLen() == b.BaseLen(); pads a with a trailing retain if
// it is shorter (the untouched tail is identical on both sides).
func Compose(a, b *TextDelta) (*TextDelta, error) {
	aSeq, bSeq := a.seq, b.seq
	if aSeq.TargetLen() < bSeq.BaseLen() {
		aSeq = padToLen(aSeq, aSeq.BaseLen()+(bSeq.BaseLen()-aSeq.TargetLen()))
	} else if bSeq.BaseLen() < aSeq.TargetLen() {
		bSeq = padToLen(bSeq, aSeq.TargetLen())
	}
	composed, err := aSeq.Compose(bSeq)
	if err != nil {
		return nil, errors.Wrap(err, "composing text deltas")
	}
	return &TextDelta{seq: composed}, nil
}

// Transform implements the diamond property: compose(a, b') == compose(b, a').
// Requires equal base lengths; pads the shorter operand.
func Transform(a, b *TextDelta) (aPrime, bPrime *TextDelta, err error) {
	aSeq, bSeq := a.seq, b.seq
	if aSeq.BaseLen() < bSeq.BaseLen() {
		aSeq = padToLen(aSeq, bSeq.BaseLen())
	} else if bSeq.BaseLen() < aSeq.BaseLen() {
		bSeq = padToLen(bSeq, aSeq.BaseLen())
	}
	ap, bp, terr := aSeq.Transform(bSeq)
	if terr != nil {
		return nil, nil, errors.Wrap(terr, "transforming text deltas")
	}
	return &TextDelta{seq: ap}, &TextDelta{seq: bp}, nil
}
