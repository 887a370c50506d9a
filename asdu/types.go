package asdu

import "fmt"

// TypeID is the type identification octet of an ASDU.
type TypeID uint8

// Process information in monitor direction.
const (
	M_SP_NA_1 TypeID = 1  // single-point information
	M_DP_NA_1 TypeID = 3  // double-point information
	M_ST_NA_1 TypeID = 5  // step position information
	M_BO_NA_1 TypeID = 7  // bitstring of 32 bit
	M_ME_NA_1 TypeID = 9  // measured value, normalized value
	M_ME_NB_1 TypeID = 11 // measured value, scaled value
	M_ME_NC_1 TypeID = 13 // measured value, short floating point number
	M_IT_NA_1 TypeID = 15 // integrated totals
	M_SP_TB_1 TypeID = 30 // single-point information with time tag CP56Time2a
	M_DP_TB_1 TypeID = 31 // double-point information with time tag CP56Time2a
	M_ME_TD_1 TypeID = 34 // measured value, normalized value with time tag CP56Time2a
	M_ME_TE_1 TypeID = 35 // measured value, scaled value with time tag CP56Time2a
	M_ME_TF_1 TypeID = 36 // measured value, short floating point number with time tag CP56Time2a
	M_IT_TB_1 TypeID = 37 // integrated totals with time tag CP56Time2a
)

// Process information in control direction.
const (
	C_SC_NA_1 TypeID = 45 // single command
	C_DC_NA_1 TypeID = 46 // double command
	C_RC_NA_1 TypeID = 47 // regulating step command
	C_SE_NA_1 TypeID = 48 // set point command, normalized value
	C_SE_NB_1 TypeID = 49 // set point command, scaled value
	C_SE_NC_1 TypeID = 50 // set point command, short floating point number
	C_SC_TA_1 TypeID = 58 // single command with time tag CP56Time2a
	C_DC_TA_1 TypeID = 59 // double command with time tag CP56Time2a
)

// System information.
const (
	M_EI_NA_1 TypeID = 70  // end of initialization
	C_IC_NA_1 TypeID = 100 // interrogation command
	C_CI_NA_1 TypeID = 101 // counter interrogation command
	C_RD_NA_1 TypeID = 102 // read command
	C_CS_NA_1 TypeID = 103 // clock synchronization command
	C_TS_TA_1 TypeID = 107 // test command with time tag CP56Time2a
)

// cp56Len is the size of a CP56Time2a time tag.
const cp56Len = 7

// elementSizes maps a type to the size of one information element, without the IOA.
var elementSizes = map[TypeID]int{
	M_SP_NA_1: 1,
	M_DP_NA_1: 1,
	M_ST_NA_1: 2,
	M_BO_NA_1: 5,
	M_ME_NA_1: 3,
	M_ME_NB_1: 3,
	M_ME_NC_1: 5,
	M_IT_NA_1: 5,
	M_SP_TB_1: 1 + cp56Len,
	M_DP_TB_1: 1 + cp56Len,
	M_ME_TD_1: 3 + cp56Len,
	M_ME_TE_1: 3 + cp56Len,
	M_ME_TF_1: 5 + cp56Len,
	M_IT_TB_1: 5 + cp56Len,
	C_SC_NA_1: 1,
	C_DC_NA_1: 1,
	C_RC_NA_1: 1,
	C_SE_NA_1: 3,
	C_SE_NB_1: 3,
	C_SE_NC_1: 5,
	C_SC_TA_1: 1 + cp56Len,
	C_DC_TA_1: 1 + cp56Len,
	M_EI_NA_1: 1,
	C_IC_NA_1: 1,
	C_CI_NA_1: 1,
	C_RD_NA_1: 0,
	C_CS_NA_1: cp56Len,
	C_TS_TA_1: 2 + cp56Len,
}

// ElementSize returns the size of one information element of type t, excluding the
// information object address. ok is false for types this package does not know.
func ElementSize(t TypeID) (size int, ok bool) {
	size, ok = elementSizes[t]
	return size, ok
}

// IsCommand reports whether t belongs to the control direction.
func (t TypeID) IsCommand() bool {
	return (t >= C_SC_NA_1 && t <= 69) || (t >= C_IC_NA_1 && t <= 127)
}

func (t TypeID) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("TID<%d>", uint8(t))
}

var typeNames = map[TypeID]string{
	M_SP_NA_1: "M_SP_NA_1",
	M_DP_NA_1: "M_DP_NA_1",
	M_ST_NA_1: "M_ST_NA_1",
	M_BO_NA_1: "M_BO_NA_1",
	M_ME_NA_1: "M_ME_NA_1",
	M_ME_NB_1: "M_ME_NB_1",
	M_ME_NC_1: "M_ME_NC_1",
	M_IT_NA_1: "M_IT_NA_1",
	M_SP_TB_1: "M_SP_TB_1",
	M_DP_TB_1: "M_DP_TB_1",
	M_ME_TD_1: "M_ME_TD_1",
	M_ME_TE_1: "M_ME_TE_1",
	M_ME_TF_1: "M_ME_TF_1",
	M_IT_TB_1: "M_IT_TB_1",
	C_SC_NA_1: "C_SC_NA_1",
	C_DC_NA_1: "C_DC_NA_1",
	C_RC_NA_1: "C_RC_NA_1",
	C_SE_NA_1: "C_SE_NA_1",
	C_SE_NB_1: "C_SE_NB_1",
	C_SE_NC_1: "C_SE_NC_1",
	C_SC_TA_1: "C_SC_TA_1",
	C_DC_TA_1: "C_DC_TA_1",
	M_EI_NA_1: "M_EI_NA_1",
	C_IC_NA_1: "C_IC_NA_1",
	C_CI_NA_1: "C_CI_NA_1",
	C_RD_NA_1: "C_RD_NA_1",
	C_CS_NA_1: "C_CS_NA_1",
	C_TS_TA_1: "C_TS_TA_1",
}

// Cause is the 6-bit cause of transmission.
type Cause uint8

// Causes of transmission.
const (
	Periodic              Cause = 1
	Background            Cause = 2
	Spontaneous           Cause = 3
	Initialized           Cause = 4
	Request               Cause = 5
	Activation            Cause = 6
	ActivationCon         Cause = 7
	Deactivation          Cause = 8
	DeactivationCon       Cause = 9
	ActivationTerm        Cause = 10
	ReturnInfoRemote      Cause = 11
	ReturnInfoLocal       Cause = 12
	InterrogatedByStation Cause = 20
	RequestByGeneralCount Cause = 37
	UnknownTypeID         Cause = 44
	UnknownCause          Cause = 45
	UnknownCommonAddr     Cause = 46
	UnknownInfoObjAddr    Cause = 47
)

// IsPush reports whether c marks data the controlled station sends on its own
// (cyclic, background scan, spontaneous, or initialized). Such telegrams never answer a command.
func (c Cause) IsPush() bool {
	switch c {
	case Periodic, Background, Spontaneous, Initialized:
		return true
	default:
		return false
	}
}

// IsUnknownRejection reports whether c is one of the negative "unknown ..." causes 44..47.
func (c Cause) IsUnknownRejection() bool {
	return c >= UnknownTypeID && c <= UnknownInfoObjAddr
}

func (c Cause) String() string {
	switch c {
	case Periodic:
		return "per/cyc"
	case Background:
		return "back"
	case Spontaneous:
		return "spont"
	case Initialized:
		return "init"
	case Request:
		return "req"
	case Activation:
		return "act"
	case ActivationCon:
		return "actcon"
	case Deactivation:
		return "deact"
	case DeactivationCon:
		return "deactcon"
	case ActivationTerm:
		return "actterm"
	case ReturnInfoRemote:
		return "retrem"
	case ReturnInfoLocal:
		return "retloc"
	case UnknownTypeID:
		return "unknown type"
	case UnknownCause:
		return "unknown cause"
	case UnknownCommonAddr:
		return "unknown common address"
	case UnknownInfoObjAddr:
		return "unknown IOA"
	case InterrogatedByStation:
		return "inrogen"
	case RequestByGeneralCount:
		return "reqcogen"
	}

	if c > InterrogatedByStation && c <= 36 {
		return fmt.Sprintf("inro%d", c-InterrogatedByStation)
	}

	if c > RequestByGeneralCount && c <= 41 {
		return fmt.Sprintf("reqco%d", c-RequestByGeneralCount)
	}

	return fmt.Sprintf("COT<%d>", uint8(c))
}

// VariableStruct is the variable structure qualifier.
type VariableStruct struct {
	// Sequence is the SQ bit: one IOA followed by Number consecutive elements.
	Sequence bool
	// Number of information objects or elements, 0..127.
	Number uint8
}

func (v VariableStruct) encode() byte {
	b := v.Number & 0x7F
	if v.Sequence {
		b |= 0x80
	}

	return b
}

func decodeVariableStruct(b byte) VariableStruct {
	return VariableStruct{Sequence: b&0x80 != 0, Number: b & 0x7F}
}
