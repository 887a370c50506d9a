package asdu

import "fmt"

// Key identifies a command and the replies answering it.
//
// IEC 60870-5-104 has no transaction identifier, so two commands with the same Key cannot be
// told apart and must not be outstanding at the same time.
type Key struct {
	Type       TypeID
	CommonAddr uint16
	InfoObj    uint32
	Family     Cause
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s ca=%d ioa=%d", k.Type, k.Family, k.CommonAddr, k.InfoObj)
}

// CauseFamily folds a cause into the cause of the request it belongs to:
// confirmations, terminations and "unknown ..." rejections of an activation map to Activation,
// DeactivationCon to Deactivation. A read command is answered with cause Request and the
// monitored type, so rejections of a read fold to Request.
func CauseFamily(t TypeID, c Cause) Cause {
	switch {
	case c == Activation || c == ActivationCon || c == ActivationTerm:
		return Activation
	case c == Deactivation || c == DeactivationCon:
		return Deactivation
	case c.IsUnknownRejection() && t == C_RD_NA_1:
		return Request
	case c.IsUnknownRejection():
		return Activation
	default:
		return c
	}
}

// CorrelationKey implements Codec.
//
// The key of a read reply is normalized to C_RD_NA_1 so that it matches the read command,
// whatever monitored type the station answers with. Telegrams with push causes have no key.
func (p Params) CorrelationKey(a *ASDU) (Key, bool) {
	if a.Cause.IsPush() {
		return Key{}, false
	}

	ioa, ok := p.InfoObjAddr(a)
	if !ok {
		return Key{}, false
	}

	k := Key{
		Type:       a.Type,
		CommonAddr: a.CommonAddr,
		InfoObj:    ioa,
		Family:     CauseFamily(a.Type, a.Cause),
	}

	if k.Family == Request && !a.Type.IsCommand() {
		k.Type = C_RD_NA_1
	}

	return k, true
}
