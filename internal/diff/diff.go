// internal/diff/diff.go
package diff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// OpType classifies one opcode of a line diff.
type OpType int

const (
	Equal OpType = iota
	Insert
	Delete
	Replace
)

func (t OpType) String() string {
	switch t {
	case Equal:
		return "equal"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Replace:
		return "replace"
	}
	return "unknown"
}

// Opcode describes one edit: basis lines [I1,I2) correspond to target lines
// [J1,J2). For Equal both ranges hold the same lines; for Insert I1 == I2;
// for Delete J1 == J2.
type Opcode struct {
	Op     OpType
	I1, I2 int
	J1, J2 int
}

// Engine computes line-level longest-common-subsequence opcodes between two
// texts.
type Engine struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewEngine() *Engine {
	return &Engine{dmp: diffmatchpatch.New()}
}

// Opcodes diffs basis against target line-by-line. The returned opcodes
// cover both inputs completely and in order.
func (e *Engine) Opcodes(basis, target []string) []Opcode {
	encoded := newLineEncoder()
	a := encoded.encode(basis)
	b := encoded.encode(target)

	diffs := e.dmp.DiffMainRunes(a, b, false)

	var ops []Opcode
	i, j := 0, 0
	for k := 0; k < len(diffs); k++ {
		d := diffs[k]
		n := len([]rune(d.Text))
		if n == 0 {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			ops = append(ops, Opcode{Equal, i, i + n, j, j + n})
			i += n
			j += n
		case diffmatchpatch.DiffDelete:
			// A deletion immediately followed by an insertion is one
			// replace at the same position.
			if k+1 < len(diffs) && diffs[k+1].Type == diffmatchpatch.DiffInsert {
				m := len([]rune(diffs[k+1].Text))
				ops = append(ops, Opcode{Replace, i, i + n, j, j + m})
				i += n
				j += m
				k++
			} else {
				ops = append(ops, Opcode{Delete, i, i + n, j, j})
				i += n
			}
		case diffmatchpatch.DiffInsert:
			ops = append(ops, Opcode{Insert, i, i, j, j + n})
			j += n
		}
	}
	return ops
}

// lineEncoder maps each distinct line to a unique rune so the rune-based
// matcher operates on whole lines.
type lineEncoder struct {
	codes map[string]rune
	next  rune
}

func newLineEncoder() *lineEncoder {
	return &lineEncoder{codes: make(map[string]rune), next: 1}
}

func (le *lineEncoder) encode(lines []string) []rune {
	out := make([]rune, len(lines))
	for i, line := range lines {
		code, ok := le.codes[line]
		if !ok {
			code = le.next
			le.next++
			// skip the surrogate range, which is not valid in runes
			if le.next == 0xD800 {
				le.next = 0xE000
			}
			le.codes[line] = code
		}
		out[i] = code
	}
	return out
}
