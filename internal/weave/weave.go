// Package weave stores a DAG of text versions of one logical item as a
// single shared token stream. Each token is either a literal line or a
// scope marker attributing a run of lines to the version that inserted or
// deleted them. Reconstructing any version is one forward scan, and per-line
// provenance falls out of the same scan for free.
package weave

import (
	"loom/internal/diff"
	errs "loom/internal/errors"
)

type tokenOp uint8

const (
	opLiteral tokenOp = iota
	opInsertOpen
	opInsertClose
	opDeleteOpen
	opDeleteClose
)

type token struct {
	op      tokenOp
	version int
	line    string
}

// Annotation pairs a line with the version that introduced it.
type Annotation struct {
	Origin int
	Line   string
}

// Weave is the in-memory line-delta store for one logical item. Versions
// are dense integers allocated in add order.
type Weave struct {
	tokens []token
	// per version, the set of directly included ancestors chosen at add
	// time (the basis set, not necessarily the true DAG parents)
	included [][]int
	engine   *diff.Engine
}

func New() *Weave {
	return &Weave{engine: diff.NewEngine()}
}

// NumVersions returns how many versions have been added.
func (w *Weave) NumVersions() int {
	return len(w.included)
}

// Parents returns the recorded included-ancestor set of v.
func (w *Weave) Parents(v int) ([]int, error) {
	if err := w.checkVersion(v); err != nil {
		return nil, err
	}
	return append([]int(nil), w.included[v]...), nil
}

func (w *Weave) checkVersion(v int) error {
	if v < 0 || v >= len(w.included) {
		return errs.Formatf("version %d does not exist in weave", v)
	}
	return nil
}

// Add records a new version whose content is lines and whose basis is the
// given parent versions. It returns the allocated version number.
func (w *Weave) Add(parents []int, lines []string) (int, error) {
	for _, p := range parents {
		if err := w.checkVersion(p); err != nil {
			return 0, err
		}
	}

	newVersion := len(w.included)
	w.included = append(w.included, append([]int(nil), parents...))

	if len(parents) == 0 {
		// cheap path: nothing to diff against, append one insertion
		// scope holding the whole text
		if len(lines) > 0 {
			w.tokens = append(w.tokens, token{op: opInsertOpen, version: newVersion})
			for _, line := range lines {
				w.tokens = append(w.tokens, token{op: opLiteral, line: line})
			}
			w.tokens = append(w.tokens, token{op: opInsertClose, version: newVersion})
		}
		return newVersion, nil
	}

	ancestors := w.inclusions(parents)
	extracted, err := w.extract(ancestors)
	if err != nil {
		return 0, err
	}

	// basis text plus a map from basis-line coordinates back to token
	// stream coordinates
	basisLines := make([]string, len(extracted))
	basisTokens := make([]int, len(extracted)+1)
	for i, e := range extracted {
		basisLines[i] = e.line
		basisTokens[i] = e.tokenIndex
	}
	// sentinel so an opcode may match the end of the basis
	basisTokens[len(extracted)] = len(w.tokens)

	// offset tracks tokens already spliced in by earlier opcodes of this
	// same add, so later stream coordinates stay valid
	offset := 0
	for _, op := range w.engine.Opcodes(basisLines, lines) {
		if op.Op == diff.Equal {
			continue
		}
		i1 := basisTokens[op.I1]
		i2 := basisTokens[op.I2]

		if i1 != i2 {
			// wrap the replaced or deleted region in a deletion scope
			w.insertTokens(i1+offset, token{op: opDeleteOpen, version: newVersion})
			w.insertTokens(i2+offset+1, token{op: opDeleteClose, version: newVersion})
			offset += 2
		}
		if op.J1 != op.J2 {
			// insert after any deletion so the new scope does not land
			// inside the region it replaces
			at := i2 + offset
			splice := make([]token, 0, op.J2-op.J1+2)
			splice = append(splice, token{op: opInsertOpen, version: newVersion})
			for _, line := range lines[op.J1:op.J2] {
				splice = append(splice, token{op: opLiteral, line: line})
			}
			splice = append(splice, token{op: opInsertClose, version: newVersion})
			w.insertTokens(at, splice...)
			offset += len(splice)
		}
	}
	return newVersion, nil
}

func (w *Weave) insertTokens(at int, toks ...token) {
	w.tokens = append(w.tokens, toks...)
	copy(w.tokens[at+len(toks):], w.tokens[at:len(w.tokens)-len(toks)])
	copy(w.tokens[at:], toks)
}

// inclusions returns the transitive closure over included-ancestor sets of
// the given versions, the versions themselves included.
func (w *Weave) inclusions(versions []int) map[int]bool {
	included := make(map[int]bool, len(versions))
	max := -1
	for _, v := range versions {
		included[v] = true
		if v > max {
			max = v
		}
	}
	for v := max; v >= 0; v-- {
		if included[v] {
			for _, p := range w.included[v] {
				included[p] = true
			}
		}
	}
	return included
}

// Get reconstructs the full text of version v.
func (w *Weave) Get(v int) ([]string, error) {
	annotations, err := w.Annotate(v)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(annotations))
	for i, a := range annotations {
		lines[i] = a.Line
	}
	return lines, nil
}

// Annotate reconstructs version v as (origin, line) pairs. The view is the
// union of v's own recorded included set and v itself, matching the basis
// Add chose when v was written.
func (w *Weave) Annotate(v int) ([]Annotation, error) {
	if err := w.checkVersion(v); err != nil {
		return nil, err
	}
	included := make(map[int]bool, len(w.included[v])+1)
	included[v] = true
	for _, p := range w.included[v] {
		included[p] = true
	}
	extracted, err := w.extract(w.inclusionsOf(included))
	if err != nil {
		return nil, err
	}
	result := make([]Annotation, len(extracted))
	for i, e := range extracted {
		result[i] = Annotation{Origin: e.origin, Line: e.line}
	}
	return result, nil
}

func (w *Weave) inclusionsOf(seed map[int]bool) map[int]bool {
	versions := make([]int, 0, len(seed))
	for v := range seed {
		versions = append(versions, v)
	}
	return w.inclusions(versions)
}

type extractedLine struct {
	origin     int
	tokenIndex int
	line       string
}

// extract is the single forward scan at the heart of the weave: it yields
// every literal line active for the included set, in stream order, while
// validating the scope invariants. Any violation is storage corruption and
// surfaces as a FormatError.
func (w *Weave) extract(included map[int]bool) ([]extractedLine, error) {
	var istack []int
	iset := make(map[int]bool)
	dset := make(map[int]bool)
	openIncludedDeletes := 0

	// -1 means "recompute"; literal runs between markers share activity
	isActive := -1

	var result []extractedLine
	for idx, t := range w.tokens {
		switch t.op {
		case opInsertOpen:
			if iset[t.version] {
				return nil, errs.Formatf(
					"insertion scope for version %d opened twice", t.version)
			}
			if len(istack) > 0 && t.version <= istack[len(istack)-1] {
				return nil, errs.Formatf(
					"insertion scope for version %d nested inside version %d",
					t.version, istack[len(istack)-1])
			}
			istack = append(istack, t.version)
			iset[t.version] = true
			isActive = -1
		case opInsertClose:
			if len(istack) == 0 {
				return nil, errs.Formatf(
					"insertion close for version %d with no open scope", t.version)
			}
			top := istack[len(istack)-1]
			if top != t.version {
				return nil, errs.Formatf(
					"insertion close for version %d does not match open version %d",
					t.version, top)
			}
			istack = istack[:len(istack)-1]
			delete(iset, top)
			isActive = -1
		case opDeleteOpen:
			if dset[t.version] {
				return nil, errs.Formatf(
					"deletion scope for version %d opened twice", t.version)
			}
			if iset[t.version] {
				return nil, errs.Formatf(
					"version %d deletes inside its own insertion scope", t.version)
			}
			dset[t.version] = true
			if included[t.version] {
				openIncludedDeletes++
			}
			isActive = -1
		case opDeleteClose:
			if !dset[t.version] {
				return nil, errs.Formatf(
					"deletion close for version %d with no open scope", t.version)
			}
			delete(dset, t.version)
			if included[t.version] {
				openIncludedDeletes--
			}
			isActive = -1
		case opLiteral:
			if len(istack) == 0 {
				return nil, errs.Formatf("literal line at token %d outside any insertion scope", idx)
			}
			if isActive == -1 {
				if included[istack[len(istack)-1]] && openIncludedDeletes == 0 {
					isActive = 1
				} else {
					isActive = 0
				}
			}
			if isActive == 1 {
				result = append(result, extractedLine{
					origin:     istack[len(istack)-1],
					tokenIndex: idx,
					line:       t.line,
				})
			}
		}
	}
	if len(istack) > 0 {
		return nil, errs.Formatf("unclosed insertion scopes at end of weave: %v", istack)
	}
	if len(dset) > 0 {
		return nil, errs.Formatf("unclosed deletion scopes at end of weave")
	}
	return result, nil
}

// Check walks the whole stream validating every scope invariant without
// reconstructing any particular version.
func (w *Weave) Check() error {
	all := make(map[int]bool, len(w.included))
	for v := range w.included {
		all[v] = true
	}
	_, err := w.extract(all)
	return err
}

// numLiterals reports how many literal tokens the stream holds. Used by
// tests to show that a no-op add contributes no new text.
func (w *Weave) numLiterals() int {
	n := 0
	for _, t := range w.tokens {
		if t.op == opLiteral {
			n++
		}
	}
	return n
}
