package cs104

import (
	"testing"
	"time"

	"github.com/arloliu/go-iec104/asdu"
	"github.com/arloliu/go-iec104/locking"
	"github.com/stretchr/testify/require"
)

func TestPendingTable(t *testing.T) {
	require := require.New(t)

	p := newPendingTable(locking.Standard)
	k1 := asdu.Key{Type: asdu.C_IC_NA_1, CommonAddr: 1, Family: asdu.Activation}
	k2 := asdu.Key{Type: asdu.C_SC_NA_1, CommonAddr: 1, InfoObj: 5000, Family: asdu.Activation}

	e1, err := p.register(k1, time.Time{})
	require.NoError(err)
	_, err = p.register(k1, time.Time{})
	require.ErrorIs(err, ErrDuplicateCommand)

	e2, err := p.register(k2, time.Now().Add(time.Second))
	require.NoError(err)
	require.Equal(2, p.len())
	require.Len(p.list(), 2)

	reply := &asdu.ASDU{Type: asdu.C_IC_NA_1, Cause: asdu.ActivationCon}
	require.True(p.resolve(k1, reply))
	require.False(p.resolve(k1, reply))

	r := <-e1.reply
	require.NoError(r.err)
	require.Same(reply, r.reply)

	// removing a resolved entry is a no-op
	p.remove(e1)
	require.Equal(1, p.len())

	require.Equal(1, p.failAll(ErrConnectionLost))
	r = <-e2.reply
	require.ErrorIs(r.err, ErrConnectionLost)
	require.Zero(p.len())

	// the key is free again
	e3, err := p.register(k2, time.Time{})
	require.NoError(err)
	p.remove(e2)
	require.Equal(1, p.len(), "stale entry must not remove its successor")
	p.remove(e3)
	require.Zero(p.len())
}
