package sensornode

type FieldKind int

const (
	// FixedPoint values are reported as round(value*100).
	FixedPoint FieldKind = iota
	// Integer values are reported as is.
	Integer
	// Tag is a bare key without a value.
	Tag
	// Label is a key followed by free text.
	Label
)

// Field is one token family entry of a sensor reading.
type Field struct {
	Kind  FieldKind
	Key   string
	Value float64
	Count int64
	Text  string
}

func Fixed(key string, v float64) Field {
	return Field{Kind: FixedPoint, Key: key, Value: v}
}

func Int(key string, n int64) Field {
	return Field{Kind: Integer, Key: key, Count: n}
}

func TagField(key string) Field {
	return Field{Kind: Tag, Key: key}
}

func LabelField(key, text string) Field {
	return Field{Kind: Label, Key: key, Text: text}
}
