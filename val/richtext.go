package val

import (
	"sort"
	"strings"
)

// paragraphSep is the linearisation boundary between paragraphs: spec.md
// §3 describes richtext as "root -> paragraphs -> leaves"; diff/merge runs
// over a single linearised character stream (spec.md §4.1), so paragraph
// boundaries are encoded as one reserved rune within that stream.
const paragraphSep = ' '

// Leaf is a run of text sharing the same set of formatting marks.
type Leaf struct {
	Text  string
	Marks []string // sorted, deduplicated mark names
}

// Paragraph is an ordered sequence of leaves.
type Paragraph struct {
	Leaves []Leaf
}

// RichText implements val.Type TypeRichText: a node tree of paragraphs of
// marked leaves, diffed/merged via operational transform over its
// linearised character stream.
type RichText struct {
	Paragraphs []Paragraph
}

func (RichText) Type() Type { return TypeRichText }

// markSpan records that Mark covers stream positions [Start, End).
type markSpan struct {
	Start, End int
	Mark       string
}

// linearize flattens rt into its character stream and the mark spans that
// cover it.
func (rt RichText) linearize() (string, []markSpan) {
	var sb strings.Builder
	var spans []markSpan
	pos := 0
	for pi, p := range rt.Paragraphs {
		if pi > 0 {
			sb.WriteRune(paragraphSep)
			pos++
		}
		for _, l := range p.Leaves {
			start := pos
			sb.WriteString(l.Text)
			pos += len([]rune(l.Text))
			for _, m := range l.Marks {
				spans = append(spans, markSpan{Start: start, End: pos, Mark: m})
			}
		}
	}
	return sb.String(), spans
}

// fromLinear rebuilds a RichText from a character stream and mark spans.
func fromLinear(text string, spans []markSpan) RichText {
	runes := []rune(text)
	var paragraphs [][]rune
	cur := []rune{}
	for _, r := range runes {
		if r == paragraphSep {
			paragraphs = append(paragraphs, cur)
			cur = []rune{}
			continue
		}
		cur = append(cur, r)
	}
	paragraphs = append(paragraphs, cur)

	rt := RichText{}
	pos := 0
	for _, p := range paragraphs {
		para := Paragraph{}
		if len(p) == 0 {
			rt.Paragraphs = append(rt.Paragraphs, para)
			pos++ // the separator itself
			continue
		}
		// Group consecutive runes sharing the identical mark set into leaves.
		runStart := 0
		marksAt := func(i int) []string {
			var ms []string
			for _, sp := range spans {
				if sp.Start <= i && i < sp.End {
					ms = append(ms, sp.Mark)
				}
			}
			sort.Strings(ms)
			return ms
		}
		curMarks := marksAt(pos)
		for i := 1; i <= len(p); i++ {
			var nextMarks []string
			if i < len(p) {
				nextMarks = marksAt(pos + i)
			}
			if i == len(p) || !equalStrSlices(curMarks, nextMarks) {
				para.Leaves = append(para.Leaves, Leaf{
					Text:  string(p[runStart:i]),
					Marks: curMarks,
				})
				runStart = i
				curMarks = nextMarks
			}
		}
		rt.Paragraphs = append(rt.Paragraphs, para)
		pos += len(p) + 1
	}
	return rt
}

func equalStrSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (rt RichText) Equals(other Value) bool {
	o, ok := other.(RichText)
	if !ok {
		return false
	}
	t1, s1 := rt.linearize()
	t2, s2 := o.linearize()
	return t1 == t2 && markSpansEqual(s1, s2)
}

func markSpansEqual(a, b []markSpan) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(s markSpan) string { return s.Mark }
	sort.Slice(a, func(i, j int) bool {
		if key(a[i]) != key(a[j]) {
			return key(a[i]) < key(a[j])
		}
		return a[i].Start < a[j].Start
	})
	sort.Slice(b, func(i, j int) bool {
		if key(b[i]) != key(b[j]) {
			return key(b[i]) < key(b[j])
		}
		return b[i].Start < b[j].Start
	})
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (rt RichText) CanonicalBytes() []byte {
	text, spans := rt.linearize()
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Mark != spans[j].Mark {
			return spans[i].Mark < spans[j].Mark
		}
		return spans[i].Start < spans[j].Start
	})
	type wireSpan struct {
		Start int    `json:"start"`
		End   int    `json:"end"`
		Mark  string `json:"mark"`
	}
	wire := struct {
		Text  string     `json:"text"`
		Spans []wireSpan `json:"spans"`
	}{Text: text}
	for _, s := range spans {
		wire.Spans = append(wire.Spans, wireSpan{s.Start, s.End, s.Mark})
	}
	return mustCanon(wire)
}

func (rt RichText) Checksum() uint64 { return checksum64(rt.CanonicalBytes()) }

// textOp is one operational-transform primitive over the linearised stream.
type textOp struct {
	Ins bool
	Pos int
	Len int    // for deletes
	Str string // for inserts
}

// DiffText computes the insert/delete ops turning src's linear stream into
// dst's, via longest-common-prefix/suffix reduction (spec.md §4.1 describes
// the op shape, not a specific minimal-diff algorithm).
func DiffText(src, dst string) []textOp {
	sr, dr := []rune(src), []rune(dst)
	pre := 0
	for pre < len(sr) && pre < len(dr) && sr[pre] == dr[pre] {
		pre++
	}
	sufS, sufD := len(sr), len(dr)
	for sufS > pre && sufD > pre && sr[sufS-1] == dr[sufD-1] {
		sufS--
		sufD--
	}
	var ops []textOp
	if sufS > pre {
		ops = append(ops, textOp{Ins: false, Pos: pre, Len: sufS - pre})
	}
	if sufD > pre {
		ops = append(ops, textOp{Ins: true, Pos: pre, Str: string(dr[pre:sufD])})
	}
	return ops
}

// ApplyTextOps applies ops (in order) to src.
func ApplyTextOps(src string, ops []textOp) string {
	r := []rune(src)
	for _, op := range ops {
		if op.Ins {
			ins := []rune(op.Str)
			out := make([]rune, 0, len(r)+len(ins))
			out = append(out, r[:op.Pos]...)
			out = append(out, ins...)
			out = append(out, r[op.Pos:]...)
			r = out
		} else {
			out := make([]rune, 0, len(r)-op.Len)
			out = append(out, r[:op.Pos]...)
			out = append(out, r[op.Pos+op.Len:]...)
			r = out
		}
	}
	return string(r)
}

// transformOp adjusts op (from one branch) against already-applied prior
// (from the other branch), classic OT against-rules. preferLater breaks
// ties between two inserts at the same position: when false op shifts after
// prior's text, when true op keeps its position and lands before it.
func transformOp(op, prior textOp, preferLater bool) textOp {
	out := op
	switch {
	case prior.Ins && op.Ins:
		if prior.Pos < op.Pos || (prior.Pos == op.Pos && !preferLater) {
			out.Pos += len([]rune(prior.Str))
		}
	case prior.Ins && !op.Ins:
		if prior.Pos <= op.Pos {
			out.Pos += len([]rune(prior.Str))
		} else if prior.Pos < op.Pos+op.Len {
			out.Len += len([]rune(prior.Str))
		}
	case !prior.Ins && op.Ins:
		if prior.Pos < op.Pos {
			if prior.Pos+prior.Len <= op.Pos {
				out.Pos -= prior.Len
			} else {
				out.Pos = prior.Pos
			}
		}
	case !prior.Ins && !op.Ins:
		switch {
		case prior.Pos+prior.Len <= op.Pos:
			out.Pos -= prior.Len
		case op.Pos+op.Len <= prior.Pos:
			// no overlap, op entirely before prior: unchanged
		default:
			// overlapping delete ranges: collapse to whatever remains
			lo := max(prior.Pos, op.Pos)
			hi := min(prior.Pos+prior.Len, op.Pos+op.Len)
			overlap := hi - lo
			out.Pos = min(op.Pos, prior.Pos)
			out.Len = op.Len - overlap
			if out.Len < 0 {
				out.Len = 0
			}
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MergeRichText3 implements spec.md §4.1's richtext merge: diff each branch
// against base, transform one branch's ops against the other's, apply both,
// then reconcile mark attributes by per-span set union.
func MergeRichText3(base, a, b RichText, aLeader bool) RichText {
	baseText, baseSpans := base.linearize()
	aText, aSpans := a.linearize()
	bText, bSpans := b.linearize()

	opsA := DiffText(baseText, aText)
	opsB := DiffText(baseText, bText)

	// Apply A's ops to base, then B's ops (transformed against A's) to the
	// result.
	merged := ApplyTextOps(baseText, opsA)
	transformedB := make([]textOp, len(opsB))
	for i, ob := range opsB {
		t := ob
		for _, oa := range opsA {
			t = transformOp(t, oa, !aLeader)
		}
		transformedB[i] = t
	}
	merged = ApplyTextOps(merged, transformedB)

	// Mark reconciliation: union every mark span observed on any branch,
	// recomputed in merged coordinates is out of scope for an exact
	// re-projection; as a sound approximation we union the marks that were
	// present in the base plus any added on either branch, keeping their
	// original (pre-edit) spans intersected with the merged text length.
	unionSpans := unionMarkSpans(baseSpans, aSpans, bSpans, len([]rune(merged)))

	return fromLinear(merged, unionSpans)
}

func unionMarkSpans(base, a, b []markSpan, limit int) []markSpan {
	seen := map[string]markSpan{}
	add := func(spans []markSpan) {
		for _, s := range spans {
			if s.End > limit {
				s.End = limit
			}
			if s.Start > limit {
				continue
			}
			k := s.Mark
			if existing, ok := seen[k]; ok {
				if s.Start < existing.Start {
					existing.Start = s.Start
				}
				if s.End > existing.End {
					existing.End = s.End
				}
				seen[k] = existing
			} else {
				seen[k] = s
			}
		}
	}
	add(base)
	add(a)
	add(b)
	out := make([]markSpan, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out
}
