package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/logger"
	"github.com/stretchr/testify/require"
)

// serveInterrogation accepts one connection and answers an interrogation with one
// point, then terminates it. It answers STOPDT act until the client closes.
func serveInterrogation(t *testing.T, ln net.Listener, negative bool) {
	t.Helper()

	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := apci.NewReader(conn, time.Second)
	var ns, nr apci.SeqNum

	sendI := func(a *asdu.ASDU) {
		payload, err := asdu.ParamsWide.Encode(a)
		require.NoError(t, err)

		b, err := apci.AppendIFrame(nil, ns, nr, payload)
		require.NoError(t, err)

		_, _ = conn.Write(b)
		ns = ns.Next()
	}
	sendU := func(fn apci.UFunction) {
		b, err := apci.AppendUFrame(nil, fn)
		require.NoError(t, err)

		_, _ = conn.Write(b)
	}

	for {
		r.SetHeaderDeadline(time.Now().Add(5 * time.Second))

		f, _, err := r.ReadFrame()
		if err != nil {
			return
		}

		switch fr := f.(type) {
		case *apci.UFrame:
			switch fr.Function {
			case apci.StartDTAct:
				sendU(apci.StartDTCon)
			case apci.StopDTAct:
				sendU(apci.StopDTCon)
			case apci.TestFRAct:
				sendU(apci.TestFRCon)
			}

		case *apci.IFrame:
			nr = nr.Next()

			cmd, err := asdu.ParamsWide.Decode(fr.Payload)
			require.NoError(t, err)

			con := *cmd
			con.Cause = asdu.ActivationCon
			con.Negative = negative
			sendI(&con)

			if negative {
				continue
			}

			sendI(&asdu.ASDU{
				Type:       asdu.M_SP_NA_1,
				Variable:   asdu.VariableStruct{Number: 1},
				Cause:      asdu.InterrogatedByStation,
				CommonAddr: cmd.CommonAddr,
				Body:       []byte{0x0A, 0x00, 0x00, 0x01},
			})

			term := *cmd
			term.Cause = asdu.ActivationTerm
			sendI(&term)
		}
	}
}

func newInterrogateOptions(t *testing.T, negative bool) *rootOptions {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go serveInterrogation(t, ln, negative)

	cfg := defaultCtlConfig()
	cfg.Address = ln.Addr().String()

	return &rootOptions{cfg: cfg, log: logger.NewPermissiveMockLogger()}
}

func TestRunInterrogate(t *testing.T) {
	require := require.New(t)

	opts := newInterrogateOptions(t, false)

	var out bytes.Buffer
	require.NoError(runInterrogate(context.Background(), opts, &out, 5, asdu.QOIStation, 5*time.Second))

	var causes []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var view telegramView
		require.NoError(json.Unmarshal(sc.Bytes(), &view))
		require.Equal(uint16(5), view.CommonAddr)
		causes = append(causes, view.Cause)
	}

	// the confirmation is printed when Command returns, possibly after the data
	require.ElementsMatch([]string{"actcon", "inrogen", "actterm"}, causes)
}

func TestRunInterrogate_Rejected(t *testing.T) {
	opts := newInterrogateOptions(t, true)

	var out bytes.Buffer
	err := runInterrogate(context.Background(), opts, &out, 1, asdu.QOIStation, 5*time.Second)
	require.ErrorContains(t, err, "rejected")
}

func TestRunInterrogate_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := defaultCtlConfig()
	cfg.Address = addr
	opts := &rootOptions{cfg: cfg, log: logger.NewPermissiveMockLogger()}

	var out bytes.Buffer
	err = runInterrogate(context.Background(), opts, &out, 1, asdu.QOIStation, 300*time.Millisecond)
	require.Error(t, err)
	require.Zero(t, out.Len())
}
