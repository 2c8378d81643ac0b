package val

import "time"

// String is a scalar UTF-8 text value.
type String string

func (String) Type() Type { return TypeString }

func (s String) Equals(other Value) bool {
	o, ok := other.(String)
	return ok && s == o
}

func (s String) CanonicalBytes() []byte { return mustCanon(string(s)) }
func (s String) Checksum() uint64       { return checksum64(s.CanonicalBytes()) }

// Number is a scalar numeric value, stored as float64 per spec.md's closed
// type set (no separate int/float distinction at the value-model layer).
type Number float64

func (Number) Type() Type { return TypeNumber }

func (n Number) Equals(other Value) bool {
	o, ok := other.(Number)
	return ok && n == o
}

func (n Number) CanonicalBytes() []byte {
	b, _ := canonMarshalRaw(numberCanonicalString(n))
	return b
}
func (n Number) Checksum() uint64 { return checksum64(n.CanonicalBytes()) }

// Boolean is a scalar true/false value.
type Boolean bool

func (Boolean) Type() Type { return TypeBoolean }

func (b Boolean) Equals(other Value) bool {
	o, ok := other.(Boolean)
	return ok && b == o
}

func (b Boolean) CanonicalBytes() []byte { return mustCanon(bool(b)) }
func (b Boolean) Checksum() uint64       { return checksum64(b.CanonicalBytes()) }

// Date is a scalar point in time, stored at millisecond precision to match
// Commit.timestamp's "monotonic millisecond clock".
type Date struct {
	UnixMilli int64
}

func NewDate(t time.Time) Date { return Date{UnixMilli: t.UnixMilli()} }

func (Date) Type() Type { return TypeDate }

func (d Date) Equals(other Value) bool {
	o, ok := other.(Date)
	return ok && d.UnixMilli == o.UnixMilli
}

func (d Date) CanonicalBytes() []byte { return mustCanon(d.UnixMilli) }
func (d Date) Checksum() uint64       { return checksum64(d.CanonicalBytes()) }

func (d Date) Time() time.Time { return time.UnixMilli(d.UnixMilli) }
