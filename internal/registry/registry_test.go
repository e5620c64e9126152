package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/firm-gateway-go/internal/protocol"
	"github.com/lk2023060901/firm-gateway-go/internal/protocol/protocoltest"
	"github.com/lk2023060901/firm-gateway-go/pkg/util/typeutil"
)

func TestGetOrCreate(t *testing.T) {
	r := New(clockwork.NewFakeClock(), 5*time.Second)

	a := r.GetOrCreate("firm-a")
	require.NotNil(t, a)
	assert.Equal(t, "firm-a", a.TenantID())
	assert.Same(t, a, r.GetOrCreate("firm-a"))
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("firm-a")
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok = r.Get("firm-b")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())
}

func TestGetOrCreateConcurrent(t *testing.T) {
	r := New(nil, time.Second)

	var wg sync.WaitGroup
	results := make([]*FirmSession, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("firm-a")
		}(i)
	}
	wg.Wait()

	for _, sess := range results {
		assert.Same(t, results[0], sess)
	}
	assert.Equal(t, 1, r.Count())
}

func TestRemove(t *testing.T) {
	r := New(nil, time.Second)
	a := r.GetOrCreate("firm-a")

	assert.True(t, r.Remove("firm-a"))
	assert.False(t, r.Remove("firm-a"))
	_, ok := r.Get("firm-a")
	assert.False(t, ok)

	// 重新创建后，旧引用不能删除新会话
	b := r.GetOrCreate("firm-a")
	assert.NotSame(t, a, b)
	assert.False(t, r.CompareAndRemove(a))
	assert.True(t, r.CompareAndRemove(b))
	assert.False(t, r.CompareAndRemove(nil))
	assert.Equal(t, 0, r.Count())
}

func TestListConnected(t *testing.T) {
	r := New(nil, time.Second)
	for i := 0; i < 4; i++ {
		sess := r.GetOrCreate(fmt.Sprintf("firm-%d", i))
		if i%2 == 0 {
			sess.Update(func(st *State) {
				st.Conn = protocoltest.NewClient(protocol.Options{TenantID: sess.TenantID()})
				st.Connected = true
				st.Phase = PhaseConnected
			})
		}
	}

	connected := r.ListConnected()
	assert.Equal(t, []string{"firm-0", "firm-2"}, typeutil.Sorted(connected))

	// 返回的是快照
	connected.Insert("firm-9")
	assert.Equal(t, 2, r.ListConnected().Len())
}

func TestRangeStops(t *testing.T) {
	r := New(nil, time.Second)
	r.GetOrCreate("a")
	r.GetOrCreate("b")
	r.GetOrCreate("c")

	visited := 0
	r.Range(func(*FirmSession) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)

	// 回调中可以修改 registry
	r.Range(func(sess *FirmSession) bool {
		r.Remove(sess.TenantID())
		return true
	})
	assert.Equal(t, 0, r.Count())
	r.Range(nil)
}

func TestUpdateClearsLoginCodeWhenConnected(t *testing.T) {
	sess := New(nil, time.Second).GetOrCreate("firm-a")

	st := sess.Update(func(st *State) {
		st.LoginCode = "code-1"
		st.Phase = PhaseAwaitingLogin
	})
	assert.Equal(t, "code-1", st.LoginCode)
	assert.Equal(t, "code-1", sess.LoginCode())

	st = sess.Update(func(st *State) {
		st.Conn = protocoltest.NewClient(protocol.Options{})
		st.Connected = true
		st.Phase = PhaseConnected
		st.Generation++
	})
	assert.Empty(t, st.LoginCode)
	assert.True(t, sess.Connected())
	assert.Equal(t, PhaseConnected, sess.Phase())
	assert.Equal(t, uint64(1), sess.Generation())
}

func TestCancelTimers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sess := New(clock, 5*time.Second).GetOrCreate("firm-a")

	fired := make(chan string, 2)
	sess.PersistScheduler().Schedule(func() { fired <- "persist" })
	sess.ReconnectScheduler().ScheduleAfter(time.Second, func() { fired <- "reconnect" })
	assert.True(t, sess.PersistScheduler().Pending())
	assert.True(t, sess.ReconnectScheduler().Pending())

	sess.CancelTimers()
	clock.Advance(10 * time.Second)
	select {
	case name := <-fired:
		t.Fatalf("%s fired after cancel", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPhase(t *testing.T) {
	assert.Equal(t, "awaiting_login", PhaseAwaitingLogin.String())
	assert.Equal(t, "unknown", Phase(99).String())
	assert.True(t, PhaseInitializing.Active())
	assert.True(t, PhaseConnected.Active())
	assert.False(t, PhaseReconnecting.Active())
	assert.False(t, PhaseIdle.Active())
}
