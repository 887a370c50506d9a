package cs104

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-iec104/apci"
	"github.com/arloliu/go-iec104/asdu"
	"github.com/stretchr/testify/require"
)

func TestPingKind_String(t *testing.T) {
	require.Equal(t, "test", PingTest.String())
	require.Equal(t, "ack", PingAck.String())
	require.Equal(t, "connect", PingConnect.String())
	require.Equal(t, "idle", PingIdle.String())
	require.Equal(t, "PingKind(9)", PingKind(9).String())
}

func TestPinger_Test(t *testing.T) {
	require := require.New(t)

	st := newStation(t)
	client, _ := newTestClient(t, st.addr())
	sc := activate(t, client, st)

	p := client.Pinger(PingTest, 200*time.Millisecond)
	require.Equal(PingTest, p.Kind())
	require.NoError(p.Start())

	// well before t3
	sc.expectU(apci.TestFRAct, time.Second)
	sc.sendU(apci.TestFRCon)
	sc.expectU(apci.TestFRAct, time.Second)
	sc.sendU(apci.TestFRCon)

	require.Eventually(func() bool {
		return client.Metrics().TestFrameRecvCount.Load() == 2
	}, time.Second, 5*time.Millisecond)
	require.True(client.State().IsActive())
}

func TestPinger_TestUnanswered(t *testing.T) {
	st := newStation(t)
	client, _ := newTestClient(t, st.addr(),
		WithTimeouts(Timeouts{Connect: time.Second, AckWait: 300 * time.Millisecond, AckDelay: 100 * time.Millisecond, Idle: 3 * time.Second}),
	)
	sc := activate(t, client, st)

	require.NoError(t, client.Pinger(PingTest, 100*time.Millisecond).Start())

	sc.expectU(apci.TestFRAct, time.Second)
	sc.expectClosed(time.Second)

	sc = st.accept(t, 2*time.Second)
	sc.handshake()
	waitActive(t, client)
}

func TestPinger_CallerDeadlineBeforeT1(t *testing.T) {
	require := require.New(t)

	st := newStation(t)
	client, reader := newTestClient(t, st.addr())
	sc := activate(t, client, st)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Pinger(PingTest, 50*time.Millisecond).Run(ctx) }()

	// confirmed after the caller's deadline but well within t1
	sc.expectU(apci.TestFRAct, time.Second)
	time.Sleep(200 * time.Millisecond)
	sc.sendU(apci.TestFRCon)

	require.ErrorIs(<-done, context.DeadlineExceeded)
	require.Eventually(func() bool {
		return client.Metrics().TestFrameRecvCount.Load() == 1
	}, time.Second, 5*time.Millisecond)

	require.True(client.State().IsActive())
	require.Zero(client.Metrics().ReconnectCount.Load())
	require.Zero(client.Metrics().TestFrameErrCount.Load())

	sc.sendI(spontaneous(3, true))
	require.Equal(asdu.Spontaneous, recvTelegram(t, reader, time.Second).Cause)
}

func TestPinger_Ack(t *testing.T) {
	require := require.New(t)

	st := newStation(t)
	client, _ := newTestClient(t, st.addr())
	sc := activate(t, client, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Pinger(PingAck, 100*time.Millisecond).Run(ctx) }()

	sc.expectS(0, time.Second)
	require.Positive(client.Metrics().SFrameSendCount.Load())

	cancel()
	require.ErrorIs(<-done, context.Canceled)
}

func TestPinger_Connect(t *testing.T) {
	require := require.New(t)

	st := newStation(t)
	client, _ := newTestClient(t, st.addr(), WithAutoReconnect(false))
	sc := activate(t, client, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Pinger(PingConnect, 50*time.Millisecond).Run(ctx) }()

	// the station drops the link; without auto reconnect only the pinger connects again
	sc.close()

	sc = st.accept(t, 2*time.Second)
	sc.handshake()
	waitActive(t, client)

	require.NoError(client.Close())
	require.ErrorIs(<-done, ErrConnClosed)
}

func TestPinger_InvalidInterval(t *testing.T) {
	st := newStation(t)
	client, _ := newTestClient(t, st.addr())

	require.Error(t, client.Pinger(PingIdle, 0).Run(context.Background()))
}
