package record

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"loom/internal/diff"
	errs "loom/internal/errors"
)

// EncodeLines renders a fulltext payload. Lines carry their own
// terminators, so the payload is the verbatim concatenation.
func EncodeLines(lines []string) []byte {
	size := 0
	for _, line := range lines {
		size += len(line)
	}
	b := make([]byte, 0, size)
	for _, line := range lines {
		b = append(b, line...)
	}
	return b
}

// DecodeLines reverses EncodeLines: each line keeps its trailing newline,
// and a final line without one is returned as-is.
func DecodeLines(payload []byte) []string {
	if len(payload) == 0 {
		return nil
	}
	var lines []string
	for len(payload) > 0 {
		nl := bytes.IndexByte(payload, '\n')
		if nl < 0 {
			lines = append(lines, string(payload))
			break
		}
		lines = append(lines, string(payload[:nl+1]))
		payload = payload[nl+1:]
	}
	return lines
}

// Hunk is one line-delta instruction: basis lines [Start,End) are replaced
// by Lines.
type Hunk struct {
	Start int
	End   int
	Lines []string
}

// EncodeDelta renders a line-delta payload from diff opcodes against the
// basis, taking replacement lines from target. Each instruction is a
// "start end count size" header line followed by size bytes of literal
// line content. Byte framing rather than newline framing keeps a final
// unterminated line intact.
func EncodeDelta(opcodes []diff.Opcode, target []string) []byte {
	var b strings.Builder
	for _, op := range opcodes {
		if op.Op == diff.Equal {
			continue
		}
		lines := target[op.J1:op.J2]
		size := 0
		for _, line := range lines {
			size += len(line)
		}
		fmt.Fprintf(&b, "%d %d %d %d\n", op.I1, op.I2, len(lines), size)
		for _, line := range lines {
			b.WriteString(line)
		}
	}
	return []byte(b.String())
}

// ParseDelta parses a line-delta payload into hunks, ordered by basis
// position.
func ParseDelta(payload []byte) ([]Hunk, error) {
	var hunks []Hunk
	rest := string(payload)
	for len(rest) > 0 {
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return nil, errs.Formatf("delta instruction missing newline")
		}
		fields := strings.Split(rest[:nl], " ")
		if len(fields) != 4 {
			return nil, errs.Formatf("delta instruction %q malformed", rest[:nl])
		}
		start, err1 := strconv.Atoi(fields[0])
		end, err2 := strconv.Atoi(fields[1])
		count, err3 := strconv.Atoi(fields[2])
		size, err4 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil ||
			start < 0 || end < start || count < 0 || size < 0 {
			return nil, errs.Formatf("delta instruction %q malformed", rest[:nl])
		}
		rest = rest[nl+1:]
		if size > len(rest) {
			return nil, errs.Formatf("delta payload truncated")
		}
		lines := DecodeLines([]byte(rest[:size]))
		rest = rest[size:]
		if len(lines) != count {
			return nil, errs.Formatf("delta hunk carries %d lines, header says %d",
				len(lines), count)
		}
		hunks = append(hunks, Hunk{Start: start, End: end, Lines: lines})
	}
	return hunks, nil
}

// ApplyDelta reconstructs a fulltext from its basis and a delta payload.
func ApplyDelta(basis []string, payload []byte) ([]string, error) {
	hunks, err := ParseDelta(payload)
	if err != nil {
		return nil, err
	}
	var result []string
	pos := 0
	for _, h := range hunks {
		if h.Start < pos || h.End > len(basis) {
			return nil, errs.Formatf("delta hunk [%d,%d) out of order or beyond basis length %d",
				h.Start, h.End, len(basis))
		}
		result = append(result, basis[pos:h.Start]...)
		result = append(result, h.Lines...)
		pos = h.End
	}
	result = append(result, basis[pos:]...)
	return result, nil
}

// DeltaNewLines returns only the lines a delta introduces, without needing
// the basis. The inventory reference scan uses this on delta records.
func DeltaNewLines(payload []byte) ([]string, error) {
	hunks, err := ParseDelta(payload)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, h := range hunks {
		lines = append(lines, h.Lines...)
	}
	return lines, nil
}
