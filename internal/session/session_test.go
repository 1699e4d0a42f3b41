package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, ch <-chan BinaryFrame) (BinaryFrame, bool) {
	t.Helper()
	select {
	case f, ok := <-ch:
		return f, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil, false
	}
}

func TestRegisterAndBroadcastExcept(t *testing.T) {
	r := New()
	a := r.Register("a")
	b := r.Register("b")

	r.BroadcastExceptBinary("a", []byte("hello"))

	frame, ok := recvWithTimeout(t, b.Receiver)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), frame)

	select {
	case <-a.Receiver:
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendRoutesDirectAndErrorsForUnknownDevice(t *testing.T) {
	r := New()
	reg := r.Register("device-a")

	require.NoError(t, r.SendBinary("device-a", []byte("direct")))
	frame, ok := recvWithTimeout(t, reg.Receiver)
	require.True(t, ok)
	assert.Equal(t, []byte("direct"), frame)

	err := r.SendBinary("missing", []byte("payload"))
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestUnregisterClosesChannel(t *testing.T) {
	r := New()
	reg := r.Register("temporary")
	require.True(t, r.UnregisterWithToken("temporary", reg.Token))

	_, ok := recvWithTimeout(t, reg.Receiver)
	assert.False(t, ok)

	err := r.SendBinary("temporary", []byte("payload"))
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestReRegisteringReplacesExistingChannel(t *testing.T) {
	r := New()
	first := r.Register("dup")
	second := r.Register("dup")

	_, ok := recvWithTimeout(t, first.Receiver)
	assert.False(t, ok, "old receiver should be closed")

	require.NoError(t, r.SendBinary("dup", []byte("latest")))
	frame, ok := recvWithTimeout(t, second.Receiver)
	require.True(t, ok)
	assert.Equal(t, []byte("latest"), frame)
}

func TestBroadcastScalesWithMultipleConsumers(t *testing.T) {
	r := New()
	regs := make([]Registration, 8)
	for i := 0; i < 8; i++ {
		regs[i] = r.Register(deviceName(i))
	}

	r.BroadcastExceptBinary(deviceName(3), []byte("fanout"))

	for i, reg := range regs {
		if i == 3 {
			select {
			case <-reg.Receiver:
				t.Fatal("sender should not receive its own broadcast")
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		frame, ok := recvWithTimeout(t, reg.Receiver)
		require.True(t, ok)
		assert.Equal(t, []byte("fanout"), frame)
	}
}

func deviceName(i int) string {
	return "device-" + string(rune('0'+i))
}

func TestStaleSessionDoesNotUnregisterNewerConnection(t *testing.T) {
	r := New()
	oldReg := r.Register("device-x")
	newReg := r.Register("device-x")

	removed := r.UnregisterWithToken("device-x", oldReg.Token)
	assert.False(t, removed, "old session should not remove the latest registration")

	require.NoError(t, r.SendBinary("device-x", []byte("hello")))
	frame, ok := recvWithTimeout(t, newReg.Receiver)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), frame)

	_, ok = recvWithTimeout(t, oldReg.Receiver)
	assert.False(t, ok, "old receiver should already be closed")
}

func TestTokenMonotonicity(t *testing.T) {
	r := New()
	var last uint64
	for i := 0; i < 100; i++ {
		reg := r.Register("device")
		assert.Greater(t, reg.Token, last)
		last = reg.Token
	}
}

// TestConcurrentRegistrationLeavesMaxTokenAsSoleSurvivor exercises P1/P8:
// token minting and the entries-map write must happen under the same
// critical section, or the goroutine that minted a lower token can win the
// lock race after the goroutine that minted the higher token, leaving a
// live entry whose token is not the maximum ever minted for that device.
func TestConcurrentRegistrationLeavesMaxTokenAsSoleSurvivor(t *testing.T) {
	r := New()
	const n = 64

	var mu sync.Mutex
	var regs []Registration
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			reg := r.Register("device-x")
			mu.Lock()
			regs = append(regs, reg)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, regs, n)
	var maxToken uint64
	for _, reg := range regs {
		if reg.Token > maxToken {
			maxToken = reg.Token
		}
	}

	for _, reg := range regs {
		if reg.Token == maxToken {
			assert.True(t, channelStillOpenAfter(reg.Receiver, 200*time.Millisecond),
				"the registration holding the maximum minted token must still be live")
		} else {
			assert.True(t, channelClosesWithin(reg.Receiver, time.Second),
				"every registration below the maximum token must have been closed out")
		}
	}

	removed := r.UnregisterWithToken("device-x", maxToken)
	assert.True(t, removed, "the live entry's token must equal the maximum token ever minted for this device")
}

// channelClosesWithin polls ch until it observes a close, or gives up and
// reports false after timeout. The losing registrations' pump goroutines
// close asynchronously after Register's replace-and-unlock, so a single
// immediate check would be racy.
func channelClosesWithin(ch <-chan BinaryFrame, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// channelStillOpenAfter reports whether ch has not closed by the time
// timeout elapses.
func channelStillOpenAfter(ch <-chan BinaryFrame, timeout time.Duration) bool {
	select {
	case _, ok := <-ch:
		return ok
	case <-time.After(timeout):
		return true
	}
}

func TestTouchIsNonFatalForMissingDevice(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Touch("ghost") })
}

func TestConnectedDevicesAndActiveCount(t *testing.T) {
	r := New()
	r.Register("a")
	r.Register("b")

	assert.Equal(t, 2, r.ActiveCount())
	assert.ElementsMatch(t, []string{"a", "b"}, r.ConnectedDevices())

	infos := r.ConnectedDevicesInfo()
	assert.Len(t, infos, 2)
}

func TestNormalizeDeviceID(t *testing.T) {
	assert.Equal(t, "ab-cd", NormalizeDeviceID("AB-CD"))
	assert.Equal(t, "ab-cd", NormalizeDeviceID("  ab-cd  "))
}
