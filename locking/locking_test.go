package locking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	require := require.New(t)

	p, err := ByName("")
	require.NoError(err)
	require.Equal(Standard, p)

	p, err = ByName(" Spin ")
	require.NoError(err)
	require.Equal(Spin, p)

	_, err = ByName("priority")
	require.EqualError(err, `unknown lock policy "priority"`)
}

func TestPolicy_MutualExclusion(t *testing.T) {
	for _, p := range []Policy{Standard, Spin} {
		t.Run(p.Name(), func(t *testing.T) {
			mu := p.NewMutex()
			counter := 0

			var wg sync.WaitGroup
			for range 50 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 200 {
						mu.Lock()
						counter++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			require.Equal(t, 50*200, counter)
		})
	}
}

func TestPolicy_Cond(t *testing.T) {
	for _, p := range []Policy{Standard, Spin} {
		t.Run(p.Name(), func(t *testing.T) {
			mu := p.NewMutex()
			cond := p.NewCond(mu)
			ready := false
			done := make(chan struct{})

			go func() {
				mu.Lock()
				for !ready {
					cond.Wait()
				}
				mu.Unlock()
				close(done)
			}()

			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ready = true
			cond.Broadcast()
			mu.Unlock()

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("waiter was not notified")
			}
		})
	}
}

func TestSpinLock_UnlockUnlocked(t *testing.T) {
	l := Spin.NewMutex()
	require.Panics(t, func() { l.Unlock() })
}
