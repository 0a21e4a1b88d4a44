package heap

import (
	"strconv"
	"strings"

	"tiercore/internal/object"
	"tiercore/internal/value"
)

const maxFormatDepth = 8

// Format renders v for hosts and diagnostics. Strings are quoted inside
// containers only.
func (h *Heap) Format(v value.Value) string {
	var sb strings.Builder
	h.format(&sb, v, 0, false)
	return sb.String()
}

func (h *Heap) format(sb *strings.Builder, v value.Value, depth int, quote bool) {
	if !v.IsPointer() {
		sb.WriteString(v.String())
		return
	}
	if depth > maxFormatDepth {
		sb.WriteString("...")
		return
	}
	c := h.ClassOf(v)
	switch c.Kind {
	case object.KindFloat:
		f, _ := h.FloatOf(v)
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eEnN") {
			s += ".0"
		}
		sb.WriteString(s)
	case object.KindString:
		s, _ := h.StringOf(v)
		if quote {
			s = strconv.Quote(s)
		}
		sb.WriteString(s)
	case object.KindArray:
		n, _ := h.ArrayLen(v)
		sb.WriteByte('[')
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			e, _ := h.ArrayGet(v, i)
			h.format(sb, e, depth+1, true)
		}
		sb.WriteByte(']')
	case object.KindRecord:
		sb.WriteString(c.Name)
		sb.WriteByte('{')
		for i, name := range c.Fields() {
			if i > 0 {
				sb.WriteString(", ")
			}
			off, _ := c.FieldOffset(name)
			sb.WriteString(name)
			sb.WriteString(": ")
			h.format(sb, h.Field(v, off), depth+1, true)
		}
		sb.WriteByte('}')
	case object.KindClosure:
		unit, _ := h.ClosureUnit(v)
		sb.WriteString("<closure unit=")
		sb.WriteString(strconv.FormatUint(uint64(unit), 10))
		sb.WriteByte('>')
	}
}
