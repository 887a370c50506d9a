package main

import (
	"encoding/hex"
	"time"

	"github.com/arloliu/go-iec104/asdu"
)

type objectView struct {
	Addr    uint32 `json:"ioa"`
	Element string `json:"element"`
}

// telegramView is the JSON rendering of a received telegram.
type telegramView struct {
	Received   time.Time    `json:"received"`
	Type       string       `json:"type"`
	Cause      string       `json:"cause"`
	Negative   bool         `json:"negative,omitempty"`
	Test       bool         `json:"test,omitempty"`
	CommonAddr uint16       `json:"common_addr"`
	OrigAddr   uint8        `json:"orig_addr,omitempty"`
	Objects    []objectView `json:"objects,omitempty"`
	// Body is set instead of Objects when the element size of the type is unknown.
	Body string `json:"body,omitempty"`
}

func newTelegramView(a *asdu.ASDU, now time.Time) telegramView {
	v := telegramView{
		Received:   now,
		Type:       a.Type.String(),
		Cause:      a.Cause.String(),
		Negative:   a.Negative,
		Test:       a.Test,
		CommonAddr: a.CommonAddr,
		OrigAddr:   a.OrigAddr,
	}

	objs, err := asdu.ParamsWide.Objects(a)
	if err != nil {
		v.Body = hex.EncodeToString(a.Body)
		return v
	}

	v.Objects = make([]objectView, 0, len(objs))
	for _, obj := range objs {
		v.Objects = append(v.Objects, objectView{Addr: obj.Addr, Element: hex.EncodeToString(obj.Element)})
	}

	return v
}
