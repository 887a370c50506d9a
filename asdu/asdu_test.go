package asdu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParams_EncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		asdu   *ASDU
		wire   []byte
	}{
		{
			name:   "interrogation wide",
			params: ParamsWide,
			asdu:   ParamsWide.InterrogationCmd(1, QOIStation),
			wire:   []byte{0x64, 0x01, 0x06, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x14},
		},
		{
			name:   "negative test actcon with originator",
			params: ParamsWide,
			asdu: &ASDU{
				Type: C_SC_NA_1, Variable: VariableStruct{Number: 1},
				Cause: ActivationCon, Negative: true, Test: true, OrigAddr: 7, CommonAddr: 0x1234,
				Body: []byte{0x10, 0x27, 0x00, 0x01},
			},
			wire: []byte{0x2D, 0x01, 0xC7, 0x07, 0x34, 0x12, 0x10, 0x27, 0x00, 0x01},
		},
		{
			name:   "narrow",
			params: Params{CauseSize: 1, CommonAddrSize: 1, InfoObjAddrSize: 2},
			asdu: &ASDU{
				Type: M_SP_NA_1, Variable: VariableStruct{Sequence: true, Number: 2},
				Cause: Spontaneous, CommonAddr: 3,
				Body: []byte{0x01, 0x00, 0x01, 0x00},
			},
			wire: []byte{0x01, 0x82, 0x03, 0x03, 0x01, 0x00, 0x01, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			wire, err := tt.params.Encode(tt.asdu)
			require.NoError(err)
			require.Equal(tt.wire, wire)

			decoded, err := tt.params.Decode(wire)
			require.NoError(err)
			require.Equal(tt.asdu, decoded)
		})
	}
}

func TestParams_EncodeInvalid(t *testing.T) {
	require := require.New(t)

	_, err := Params{CauseSize: 3, CommonAddrSize: 2, InfoObjAddrSize: 3}.Encode(&ASDU{Type: 1})
	require.ErrorIs(err, ErrInvalidParams)

	_, err = ParamsWide.Encode(&ASDU{})
	require.ErrorIs(err, ErrEncode)

	narrow := Params{CauseSize: 1, CommonAddrSize: 1, InfoObjAddrSize: 1}
	_, err = narrow.Encode(&ASDU{Type: 1, Cause: Spontaneous, CommonAddr: 256})
	require.ErrorIs(err, ErrEncode)

	_, err = ParamsWide.Encode(&ASDU{Type: 1, Cause: 64})
	require.ErrorIs(err, ErrEncode)

	_, err = ParamsWide.Encode(&ASDU{Type: 1, Cause: Spontaneous, Body: make([]byte, MaxLen)})
	require.ErrorIs(err, ErrEncode)
}

func TestParams_DecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
	}{
		{"short", []byte{0x01, 0x01, 0x03, 0x00, 0x01}},
		{"zero type", []byte{0x00, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"zero cause", []byte{0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00}},
		{"missing IOA", []byte{0x01, 0x01, 0x03, 0x00, 0x01, 0x00, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParamsWide.Decode(tt.wire)
			require.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestParams_Objects(t *testing.T) {
	require := require.New(t)

	// two floats, addressed individually
	a := &ASDU{
		Type: M_ME_NC_1, Variable: VariableStruct{Number: 2}, Cause: Spontaneous, CommonAddr: 1,
		Body: []byte{
			0x01, 0x40, 0x00, 0x00, 0x00, 0x80, 0x3F, 0x00,
			0x02, 0x40, 0x00, 0x00, 0x00, 0x00, 0x40, 0x10,
		},
	}
	objs, err := ParamsWide.Objects(a)
	require.NoError(err)
	require.Equal([]Object{
		{Addr: 0x4001, Element: []byte{0x00, 0x00, 0x80, 0x3F, 0x00}},
		{Addr: 0x4002, Element: []byte{0x00, 0x00, 0x00, 0x40, 0x10}},
	}, objs)

	// sequence of three single points
	a = &ASDU{
		Type: M_SP_NA_1, Variable: VariableStruct{Sequence: true, Number: 3}, Cause: InterrogatedByStation,
		Body: []byte{0x64, 0x00, 0x00, 0x01, 0x00, 0x01},
	}
	objs, err = ParamsWide.Objects(a)
	require.NoError(err)
	require.Len(objs, 3)
	require.Equal(uint32(100), objs[0].Addr)
	require.Equal(uint32(102), objs[2].Addr)
	require.Equal([]byte{0x01}, objs[2].Element)

	a.Variable.Number = 4
	_, err = ParamsWide.Objects(a)
	require.ErrorIs(err, ErrDecode)

	_, err = ParamsWide.Objects(&ASDU{Type: 200, Variable: VariableStruct{Number: 1}})
	require.ErrorIs(err, ErrDecode)
}

func TestCorrelationKey(t *testing.T) {
	p := ParamsWide

	tests := []struct {
		name    string
		request *ASDU
		reply   *ASDU
		match   bool
	}{
		{
			name:    "interrogation actcon",
			request: p.InterrogationCmd(1, QOIStation),
			reply:   withCause(p.InterrogationCmd(1, QOIStation), ActivationCon, false),
			match:   true,
		},
		{
			name:    "interrogation negative actcon",
			request: p.InterrogationCmd(1, QOIStation),
			reply:   withCause(p.InterrogationCmd(1, QOIStation), ActivationCon, true),
			match:   true,
		},
		{
			name:    "single command unknown IOA",
			request: p.SingleCmd(1, 5000, true, false),
			reply:   withCause(p.SingleCmd(1, 5000, true, false), UnknownInfoObjAddr, true),
			match:   true,
		},
		{
			name:    "different common address",
			request: p.InterrogationCmd(1, QOIStation),
			reply:   withCause(p.InterrogationCmd(2, QOIStation), ActivationCon, false),
			match:   false,
		},
		{
			name:    "different IOA",
			request: p.SingleCmd(1, 5000, true, false),
			reply:   withCause(p.SingleCmd(1, 5001, true, false), ActivationCon, false),
			match:   false,
		},
		{
			name:    "read answered with monitored type",
			request: p.ReadCmd(1, 300),
			reply: &ASDU{
				Type: M_ME_NC_1, Variable: VariableStruct{Number: 1}, Cause: Request, CommonAddr: 1,
				Body: []byte{0x2C, 0x01, 0x00, 0x00, 0x00, 0x80, 0x3F, 0x00},
			},
			match: true,
		},
		{
			name:    "read rejected",
			request: p.ReadCmd(1, 300),
			reply:   withCause(p.ReadCmd(1, 300), UnknownInfoObjAddr, true),
			match:   true,
		},
		{
			name:    "interrogated data",
			request: p.InterrogationCmd(1, QOIStation),
			reply: &ASDU{
				Type: M_SP_NA_1, Variable: VariableStruct{Number: 1}, Cause: InterrogatedByStation, CommonAddr: 1,
				Body: []byte{0x00, 0x00, 0x00, 0x01},
			},
			match: false,
		},
		{
			name:    "deactivation",
			request: withCause(p.SingleCmd(1, 1, true, true), Deactivation, false),
			reply:   withCause(p.SingleCmd(1, 1, true, true), DeactivationCon, false),
			match:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			reqKey, ok := p.CorrelationKey(tt.request)
			require.True(ok)

			replyKey, ok := p.CorrelationKey(tt.reply)
			require.True(ok)
			require.Equal(tt.match, reqKey == replyKey, "request %s, reply %s", reqKey, replyKey)
		})
	}
}

func TestCorrelationKey_None(t *testing.T) {
	require := require.New(t)

	for _, c := range []Cause{Periodic, Background, Spontaneous, Initialized} {
		_, ok := ParamsWide.CorrelationKey(&ASDU{Type: M_SP_NA_1, Cause: c, Body: []byte{1, 0, 0, 1}})
		require.False(ok, c.String())
		require.True(c.IsPush())
	}

	_, ok := ParamsWide.CorrelationKey(&ASDU{Type: C_IC_NA_1, Cause: ActivationCon, Body: []byte{0}})
	require.False(ok)
}

func TestCP56Time2a(t *testing.T) {
	require := require.New(t)

	ts := time.Date(2026, time.October, 19, 13, 45, 12, 345*int(time.Millisecond), time.UTC)
	b := AppendCP56Time2a(nil, ts)
	require.Len(b, 7)
	require.Equal([]byte{0x39, 0x30, 45, 13, 1<<5 | 19, 10, 26}, b)

	parsed, ok := ParseCP56Time2a(b, time.UTC)
	require.True(ok)
	require.True(ts.Equal(parsed))

	b[2] |= 0x80
	_, ok = ParseCP56Time2a(b, time.UTC)
	require.False(ok)

	cmd := ParamsWide.ClockSyncCmd(1, ts)
	require.Equal(C_CS_NA_1, cmd.Type)
	require.Len(cmd.Body, 3+7)
}

func TestStrings(t *testing.T) {
	require := require.New(t)

	require.Equal("C_IC_NA_1", C_IC_NA_1.String())
	require.Equal("TID<200>", TypeID(200).String())
	require.Equal("inrogen", InterrogatedByStation.String())
	require.Equal("inro16", Cause(36).String())
	require.Equal("reqco1", Cause(38).String())
	require.Equal("C_IC_NA_1 actcon neg ca=1 oa=0 n=1 [00000014]",
		withCause(ParamsWide.InterrogationCmd(1, QOIStation), ActivationCon, true).String())
}

func withCause(a *ASDU, c Cause, negative bool) *ASDU {
	a.Cause = c
	a.Negative = negative

	return a
}
