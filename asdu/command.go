package asdu

import (
	"encoding/binary"
	"math"
	"time"
)

// Qualifiers of interrogation.
const (
	// QOIStation requests the station interrogation.
	QOIStation byte = 20
	// QCCGeneral requests the general counter interrogation.
	QCCGeneral byte = 5
)

func (p Params) single(t TypeID, cause Cause, ca uint16, ioa uint32, element ...byte) *ASDU {
	body := p.appendIOA(make([]byte, 0, p.InfoObjAddrSize+len(element)), ioa)

	return &ASDU{
		Type:       t,
		Variable:   VariableStruct{Number: 1},
		Cause:      cause,
		CommonAddr: ca,
		Body:       append(body, element...),
	}
}

// InterrogationCmd builds C_IC_NA_1 with qualifier qoi, e.g. QOIStation.
func (p Params) InterrogationCmd(ca uint16, qoi byte) *ASDU {
	return p.single(C_IC_NA_1, Activation, ca, 0, qoi)
}

// CounterInterrogationCmd builds C_CI_NA_1 with qualifier qcc, e.g. QCCGeneral.
func (p Params) CounterInterrogationCmd(ca uint16, qcc byte) *ASDU {
	return p.single(C_CI_NA_1, Activation, ca, 0, qcc)
}

// ReadCmd builds C_RD_NA_1 for the object at ioa.
func (p Params) ReadCmd(ca uint16, ioa uint32) *ASDU {
	return p.single(C_RD_NA_1, Request, ca, ioa)
}

// SingleCmd builds C_SC_NA_1. With selectOnly set the command is a select of a
// select-before-operate sequence.
func (p Params) SingleCmd(ca uint16, ioa uint32, on bool, selectOnly bool) *ASDU {
	var sco byte
	if on {
		sco |= 0x01
	}

	if selectOnly {
		sco |= 0x80
	}

	return p.single(C_SC_NA_1, Activation, ca, ioa, sco)
}

// DoubleCmd builds C_DC_NA_1. dcs is 1 for off and 2 for on.
func (p Params) DoubleCmd(ca uint16, ioa uint32, dcs byte, selectOnly bool) *ASDU {
	dco := dcs & 0x03
	if selectOnly {
		dco |= 0x80
	}

	return p.single(C_DC_NA_1, Activation, ca, ioa, dco)
}

// SetpointFloatCmd builds C_SE_NC_1 with a zero qualifier of set-point command.
func (p Params) SetpointFloatCmd(ca uint16, ioa uint32, value float32) *ASDU {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], math.Float32bits(value))

	return p.single(C_SE_NC_1, Activation, ca, ioa, v[0], v[1], v[2], v[3], 0)
}

// ClockSyncCmd builds C_CS_NA_1 carrying t.
func (p Params) ClockSyncCmd(ca uint16, t time.Time) *ASDU {
	return p.single(C_CS_NA_1, Activation, ca, 0, AppendCP56Time2a(nil, t)...)
}

// AppendCP56Time2a appends the seven octet time tag of t, in t's location.
func AppendCP56Time2a(b []byte, t time.Time) []byte {
	ms := uint16(t.Second()*1000 + t.Nanosecond()/int(time.Millisecond))
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}

	return append(b,
		byte(ms), byte(ms>>8),
		byte(t.Minute()),
		byte(t.Hour()),
		byte(weekday<<5|t.Day()),
		byte(t.Month()),
		byte(t.Year()%100),
	)
}

// ParseCP56Time2a decodes a seven octet time tag in loc. Years are taken from 2000 on.
// ok is false when b is short or the invalid bit is set.
func ParseCP56Time2a(b []byte, loc *time.Location) (t time.Time, ok bool) {
	if len(b) < cp56Len || b[2]&0x80 != 0 {
		return time.Time{}, false
	}

	ms := int(binary.LittleEndian.Uint16(b))

	return time.Date(
		2000+int(b[6]&0x7F),
		time.Month(b[5]&0x0F),
		int(b[4]&0x1F),
		int(b[3]&0x1F),
		int(b[2]&0x3F),
		ms/1000,
		(ms%1000)*int(time.Millisecond),
		loc,
	), true
}
