// Package crdt implements the multi-file text CRDT shared between peers:
// one identifier-ordered character sequence per file, plus a map of
// ephemeral cursor state, merged by union over stable character
// identifiers rather than Automerge-style operation logs.
package crdt

import "sort"

const identBase = 256

// identifier is a Logoot/LSEQ-style position: a path of (digit, site)
// pairs. Two identifiers compare lexicographically by digit, then by
// site, and a shorter path sorts before a longer one that agrees on
// every shared digit.
type identifier struct {
	Digit int32
	Site  uint32
}

type position []identifier

func comparePositions(a, b position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Digit != b[i].Digit {
			return int(a[i].Digit) - int(b[i].Digit)
		}
		if a[i].Site != b[i].Site {
			return int(a[i].Site) - int(b[i].Site)
		}
	}
	return len(a) - len(b)
}

type character struct {
	Pos   position
	Value rune

	// Deleted marks a tombstoned character: still present in chars so its
	// identifier can't be reintroduced by a later merge, but excluded
	// from text() and len(). Without tombstones, mergeFrom's union would
	// resurrect a character a peer deleted but another peer's stale
	// snapshot still has.
	Deleted bool
}

// sequence is one file's character list, always kept sorted by Pos.
type sequence struct {
	chars []character
}

func newSequence() *sequence { return &sequence{} }

func sequenceFromText(text string, site uint32) *sequence {
	s := newSequence()
	digit := int32(1)
	for _, r := range text {
		s.chars = append(s.chars, character{Pos: position{{Digit: digit, Site: site}}, Value: r})
		digit++
	}
	return s
}

func (s *sequence) text() string {
	runes := make([]rune, 0, len(s.chars))
	for _, c := range s.chars {
		if c.Deleted {
			continue
		}
		runes = append(runes, c.Value)
	}
	return string(runes)
}

func (s *sequence) len() int {
	n := 0
	for _, c := range s.chars {
		if !c.Deleted {
			n++
		}
	}
	return n
}

// visibleToUnderlying maps a code-point offset among non-deleted
// characters to its index in chars, the underlying slice that also
// holds tombstoned characters. idx == s.len() maps to len(s.chars), i.e.
// "insert at the end".
func (s *sequence) visibleToUnderlying(idx int) int {
	visible := 0
	for i, c := range s.chars {
		if c.Deleted {
			continue
		}
		if visible == idx {
			return i
		}
		visible++
	}
	return len(s.chars)
}

// insertAt inserts value at code-point offset idx, generating a fresh
// identifier between its neighbors. Neighbors are taken from the
// underlying slice, tombstones included, so a fresh identifier never
// collides with one a deleted character still holds.
func (s *sequence) insertAt(idx int, value rune, site uint32) {
	u := s.visibleToUnderlying(idx)
	var before, after position
	if u > 0 {
		before = s.chars[u-1].Pos
	}
	if u < len(s.chars) {
		after = s.chars[u].Pos
	}
	pos := positionBetween(before, after, site)
	c := character{Pos: pos, Value: value}
	s.chars = append(s.chars, character{})
	copy(s.chars[u+1:], s.chars[u:])
	s.chars[u] = c
}

// deleteAt tombstones the character at code-point offset idx rather than
// removing it from chars, so a later mergeFrom can tell the deletion
// apart from a character the other side simply never saw.
func (s *sequence) deleteAt(idx int) {
	u := s.visibleToUnderlying(idx)
	s.chars[u].Deleted = true
}

// splice deletes `del` code points starting at `at`, then inserts `ins`.
func (s *sequence) splice(at, del int, ins string, site uint32) {
	for i := 0; i < del; i++ {
		s.deleteAt(at)
	}
	for _, r := range ins {
		s.insertAt(at, r, site)
		at++
	}
}

// mergeFrom unions other's characters into s by identifier, producing a
// CRDT state merge: any character present in either sequence (by Pos)
// ends up present in the result, in identifier order. A character
// tombstoned on either side stays tombstoned on both: deletion is
// monotonic, so the union can never resurrect a character a peer
// removed, even when the other peer's snapshot still carries it live.
func (s *sequence) mergeFrom(other *sequence) {
	indexByKey := make(map[string]int, len(s.chars))
	merged := append([]character{}, s.chars...)
	for i, c := range merged {
		indexByKey[posKey(c.Pos)] = i
	}
	for _, c := range other.chars {
		if i, ok := indexByKey[posKey(c.Pos)]; ok {
			if c.Deleted {
				merged[i].Deleted = true
			}
			continue
		}
		indexByKey[posKey(c.Pos)] = len(merged)
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		return comparePositions(merged[i].Pos, merged[j].Pos) < 0
	})
	s.chars = merged
}

func (s *sequence) clone() *sequence {
	out := &sequence{chars: make([]character, len(s.chars))}
	copy(out.chars, s.chars)
	return out
}

func posKey(p position) string {
	b := make([]byte, 0, len(p)*8)
	for _, id := range p {
		b = append(b,
			byte(id.Digit>>24), byte(id.Digit>>16), byte(id.Digit>>8), byte(id.Digit),
			byte(id.Site>>24), byte(id.Site>>16), byte(id.Site>>8), byte(id.Site))
	}
	return string(b)
}

// positionBetween generates an identifier strictly between before and
// after (either of which may be empty, meaning "document start/end").
func positionBetween(before, after position, site uint32) position {
	var head1, head2 identifier
	if len(before) > 0 {
		head1 = before[0]
	} else {
		head1 = identifier{Digit: 0, Site: site}
	}
	if len(after) > 0 {
		head2 = after[0]
	} else {
		head2 = identifier{Digit: identBase, Site: site}
	}

	if head1.Digit+1 < head2.Digit {
		return position{{Digit: head1.Digit + 1, Site: site}}
	}
	if head1.Digit == head2.Digit && head1.Site == head2.Site {
		var restBefore, restAfter position
		if len(before) > 1 {
			restBefore = before[1:]
		}
		if len(after) > 1 {
			restAfter = after[1:]
		}
		return append(position{head1}, positionBetween(restBefore, restAfter, site)...)
	}
	// Digits differ by at most 1 (or don't order cleanly by site); descend
	// a level to make room rather than risk colliding identifiers.
	var restAfter position
	if len(after) > 1 && head1.Digit == head2.Digit {
		restAfter = after[1:]
	}
	return append(position{head1}, positionBetween(nil, restAfter, site)...)
}
