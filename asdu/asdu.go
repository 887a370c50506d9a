package asdu

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MaxLen is the largest ASDU an APDU can carry.
const MaxLen = 249

var (
	// ErrDecode matches every error returned for bytes that are not a valid ASDU.
	ErrDecode = errors.New("asdu decode error")
	// ErrEncode matches every error returned for an ASDU that cannot be encoded.
	ErrEncode = errors.New("asdu encode error")
	// ErrInvalidParams indicates field sizes outside the ranges of the standard.
	ErrInvalidParams = errors.New("invalid ASDU parameters")
)

// ASDU is one telegram: the data unit identifier followed by the raw information objects.
//
// Body holds the information objects as transmitted, each starting with its information object
// address unless Variable.Sequence is set, in which case only the first element carries one.
type ASDU struct {
	Type       TypeID
	Variable   VariableStruct
	Cause      Cause
	Negative   bool
	Test       bool
	OrigAddr   uint8
	CommonAddr uint16
	Body       []byte
}

func (a *ASDU) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s %s", a.Type, a.Cause)
	if a.Negative {
		sb.WriteString(" neg")
	}

	if a.Test {
		sb.WriteString(" test")
	}

	fmt.Fprintf(&sb, " ca=%d oa=%d n=%d", a.CommonAddr, a.OrigAddr, a.Variable.Number)
	if a.Variable.Sequence {
		sb.WriteString(" sq")
	}

	if len(a.Body) > 0 {
		sb.WriteString(" [")
		sb.WriteString(hex.EncodeToString(a.Body))
		sb.WriteString("]")
	}

	return sb.String()
}

// Codec converts telegrams from and to their wire form and derives the key used to match
// command replies. The link layer treats telegrams as opaque apart from these three operations.
type Codec interface {
	Encode(a *ASDU) ([]byte, error)
	Decode(b []byte) (*ASDU, error)
	// CorrelationKey returns the key of a, or false when a carries no key.
	CorrelationKey(a *ASDU) (Key, bool)
}

// Params are the system-wide field sizes of the data unit identifier and the IOA.
type Params struct {
	// CauseSize is 1, or 2 with an originator address.
	CauseSize int
	// CommonAddrSize is 1 or 2.
	CommonAddrSize int
	// InfoObjAddrSize is 1, 2 or 3.
	InfoObjAddrSize int
}

// ParamsWide are the sizes mandated by IEC 60870-5-104.
var ParamsWide = Params{CauseSize: 2, CommonAddrSize: 2, InfoObjAddrSize: 3}

var _ Codec = Params{}

// Valid checks the sizes against the ranges of the standard.
func (p Params) Valid() error {
	if p.CauseSize < 1 || p.CauseSize > 2 ||
		p.CommonAddrSize < 1 || p.CommonAddrSize > 2 ||
		p.InfoObjAddrSize < 1 || p.InfoObjAddrSize > 3 {
		return fmt.Errorf("%w: cause=%d common=%d ioa=%d",
			ErrInvalidParams, p.CauseSize, p.CommonAddrSize, p.InfoObjAddrSize)
	}

	return nil
}

// IdentifierSize returns the size of the data unit identifier.
func (p Params) IdentifierSize() int {
	return 2 + p.CauseSize + p.CommonAddrSize
}

// Encode implements Codec.
func (p Params) Encode(a *ASDU) ([]byte, error) {
	if err := p.Valid(); err != nil {
		return nil, err
	}

	if a.Type == 0 {
		return nil, fmt.Errorf("%w: type identification 0", ErrEncode)
	}

	if p.CommonAddrSize == 1 && a.CommonAddr > 0xFF {
		return nil, fmt.Errorf("%w: common address %d exceeds one octet", ErrEncode, a.CommonAddr)
	}

	if a.Cause > 0x3F {
		return nil, fmt.Errorf("%w: cause %d exceeds six bits", ErrEncode, a.Cause)
	}

	size := p.IdentifierSize() + len(a.Body)
	if size > MaxLen {
		return nil, fmt.Errorf("%w: %d octets exceed %d", ErrEncode, size, MaxLen)
	}

	b := make([]byte, 0, size)
	cot := byte(a.Cause)
	if a.Negative {
		cot |= 0x40
	}

	if a.Test {
		cot |= 0x80
	}

	b = append(b, byte(a.Type), a.Variable.encode(), cot)
	if p.CauseSize == 2 {
		b = append(b, a.OrigAddr)
	}

	b = append(b, byte(a.CommonAddr))
	if p.CommonAddrSize == 2 {
		b = append(b, byte(a.CommonAddr>>8))
	}

	return append(b, a.Body...), nil
}

// Decode implements Codec. The returned Body does not alias b.
func (p Params) Decode(b []byte) (*ASDU, error) {
	if err := p.Valid(); err != nil {
		return nil, err
	}

	if len(b) < p.IdentifierSize() {
		return nil, fmt.Errorf("%w: %d octets shorter than identifier", ErrDecode, len(b))
	}

	a := &ASDU{
		Type:     TypeID(b[0]),
		Variable: decodeVariableStruct(b[1]),
		Cause:    Cause(b[2] & 0x3F),
		Negative: b[2]&0x40 != 0,
		Test:     b[2]&0x80 != 0,
	}

	if a.Type == 0 {
		return nil, fmt.Errorf("%w: type identification 0", ErrDecode)
	}

	if a.Cause == 0 {
		return nil, fmt.Errorf("%w: cause of transmission 0", ErrDecode)
	}

	off := 3
	if p.CauseSize == 2 {
		a.OrigAddr = b[off]
		off++
	}

	a.CommonAddr = uint16(b[off])
	off++
	if p.CommonAddrSize == 2 {
		a.CommonAddr |= uint16(b[off]) << 8
		off++
	}

	if len(b) > off {
		a.Body = append([]byte(nil), b[off:]...)
	}

	if a.Variable.Number > 0 && len(a.Body) < p.InfoObjAddrSize {
		return nil, fmt.Errorf("%w: %d objects announced with %d body octets", ErrDecode, a.Variable.Number, len(a.Body))
	}

	return a, nil
}

// InfoObjAddr returns the first information object address of a.
func (p Params) InfoObjAddr(a *ASDU) (uint32, bool) {
	if len(a.Body) < p.InfoObjAddrSize {
		return 0, false
	}

	return p.readIOA(a.Body), true
}

func (p Params) readIOA(b []byte) uint32 {
	var ioa uint32
	for i := p.InfoObjAddrSize - 1; i >= 0; i-- {
		ioa = ioa<<8 | uint32(b[i])
	}

	return ioa
}

func (p Params) appendIOA(b []byte, ioa uint32) []byte {
	for i := range p.InfoObjAddrSize {
		b = append(b, byte(ioa>>(8*i)))
	}

	return b
}

// Object is one information object split out of a Body.
type Object struct {
	Addr    uint32
	Element []byte
}

// Objects splits the body of a into its information objects. It fails for types whose element
// size is unknown and for bodies whose length disagrees with the variable structure qualifier.
// Element slices alias a.Body.
func (p Params) Objects(a *ASDU) ([]Object, error) {
	size, ok := ElementSize(a.Type)
	if !ok {
		return nil, fmt.Errorf("%w: unknown element size of %s", ErrDecode, a.Type)
	}

	n := int(a.Variable.Number)
	want := n * (p.InfoObjAddrSize + size)
	if a.Variable.Sequence {
		want = p.InfoObjAddrSize + n*size
	}

	if n == 0 || len(a.Body) != want {
		return nil, fmt.Errorf("%w: body of %d octets, want %d for %d objects", ErrDecode, len(a.Body), want, n)
	}

	objs := make([]Object, 0, n)
	if a.Variable.Sequence {
		base := p.readIOA(a.Body)
		body := a.Body[p.InfoObjAddrSize:]
		for i := range n {
			objs = append(objs, Object{Addr: base + uint32(i), Element: body[i*size : (i+1)*size]})
		}

		return objs, nil
	}

	step := p.InfoObjAddrSize + size
	for i := range n {
		obj := a.Body[i*step : (i+1)*step]
		objs = append(objs, Object{Addr: p.readIOA(obj), Element: obj[p.InfoObjAddrSize:]})
	}

	return objs, nil
}
