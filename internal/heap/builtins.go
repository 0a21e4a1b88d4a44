package heap

import (
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tiercore/internal/object"
	"tiercore/internal/value"
	"tiercore/internal/vmerr"
)

// NewClassTable returns a class table with the built-in classes and their
// native methods.
func NewClassTable() *object.Table {
	return object.NewTable(object.BuiltinMethods{
		object.ClassString: {
			{Name: "len", Native: stringLen},
			{Name: "upper", Native: stringUpper},
			{Name: "lower", Native: stringLower},
			{Name: "concat", Arity: 1, Native: stringConcat},
		},
		object.ClassArray: {
			{Name: "len", Native: arrayLen},
			{Name: "get", Arity: 1, Native: arrayGet},
		},
	})
}

func receiverString(h object.Heap, self value.Value) (string, error) {
	s, ok := h.StringOf(self)
	if !ok {
		return "", vmerr.New(vmerr.CodeTypeMismatch, "receiver is not a string")
	}
	return s, nil
}

func stringLen(h object.Heap, self value.Value, _ []value.Value) (value.Value, error) {
	s, err := receiverString(h, self)
	if err != nil {
		return value.Null, err
	}
	return value.MustInt(int64(utf8.RuneCountInString(s))), nil
}

func stringUpper(h object.Heap, self value.Value, _ []value.Value) (value.Value, error) {
	s, err := receiverString(h, self)
	if err != nil {
		return value.Null, err
	}
	return h.AllocString(cases.Upper(language.Und).String(s))
}

func stringLower(h object.Heap, self value.Value, _ []value.Value) (value.Value, error) {
	s, err := receiverString(h, self)
	if err != nil {
		return value.Null, err
	}
	return h.AllocString(cases.Lower(language.Und).String(s))
}

func stringConcat(h object.Heap, self value.Value, args []value.Value) (value.Value, error) {
	s, err := receiverString(h, self)
	if err != nil {
		return value.Null, err
	}
	other, ok := h.StringOf(args[0])
	if !ok {
		return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "concat expects a string argument")
	}
	return h.AllocString(s + other)
}

func arrayLen(h object.Heap, self value.Value, _ []value.Value) (value.Value, error) {
	n, ok := h.ArrayLen(self)
	if !ok {
		return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "receiver is not an array")
	}
	return value.MustInt(int64(n)), nil
}

func arrayGet(h object.Heap, self value.Value, args []value.Value) (value.Value, error) {
	if !args[0].IsInt() {
		return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "array index must be an int")
	}
	idx := args[0].Int()
	n, ok := h.ArrayLen(self)
	if !ok {
		return value.Null, vmerr.New(vmerr.CodeTypeMismatch, "receiver is not an array")
	}
	if idx < 0 || idx >= int64(n) {
		return value.Null, vmerr.New(vmerr.CodeOutOfBounds, "index %d out of bounds for length %d", idx, n)
	}
	v, _ := h.ArrayGet(self, int(idx))
	return v, nil
}
