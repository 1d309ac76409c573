package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/testutil"
)

var (
	passenger = models.Principal{ID: "p1", Role: models.RolePassenger}
	driver    = models.Principal{ID: "d1", Role: models.RoleDriver}
	ping      = models.Event{Type: models.EventRideStatusUpdate}
)

func TestEmitReachesEveryDeviceOfPrincipal(t *testing.T) {
	r := New(nil)
	phone, laptop := testutil.NewConn(passenger), testutil.NewConn(passenger)
	other := testutil.NewConn(driver)
	require.True(t, r.Register(phone))
	require.True(t, r.Register(laptop))
	require.True(t, r.Register(other))

	assert.Equal(t, 2, r.Emit(passenger.ID, ping))
	assert.Len(t, phone.Events(), 1)
	assert.Len(t, laptop.Events(), 1)
	assert.Empty(t, other.Events())

	assert.Equal(t, 0, r.Emit("nobody", ping))
}

func TestUnregisterReportsLastConnection(t *testing.T) {
	r := New(nil)
	a, b := testutil.NewConn(driver), testutil.NewConn(driver)
	r.Register(a)
	r.Register(b)

	assert.False(t, r.Unregister(a))
	assert.True(t, r.IsOnline(driver.ID))
	assert.True(t, r.Unregister(b))
	assert.False(t, r.IsOnline(driver.ID))
	assert.False(t, r.Unregister(b), "second unregister is a no-op")
}

func TestRoomsScopeDelivery(t *testing.T) {
	r := New(nil)
	p, d, stranger := testutil.NewConn(passenger), testutil.NewConn(driver), testutil.NewConn(models.Principal{ID: "d2", Role: models.RoleDriver})
	for _, c := range []*testutil.Conn{p, d, stranger} {
		r.Register(c)
	}
	assert.Equal(t, 1, r.JoinPrincipal(passenger.ID, "ride-1"))
	require.True(t, r.JoinRoom(d, "ride-1"))

	assert.Equal(t, 2, r.EmitToRoom("ride-1", ping, ""))
	assert.Equal(t, 1, r.EmitToRoom("ride-1", ping, driver.ID))
	assert.Equal(t, 1, r.EmitToMember("ride-1", driver.ID, ping))
	assert.Equal(t, 0, r.EmitToMember("ride-1", "d2", ping))

	assert.Len(t, p.Events(), 2)
	assert.Len(t, d.Events(), 2)
	assert.Empty(t, stranger.Events())

	r.LeaveRoom(d, "ride-1")
	assert.Equal(t, 0, r.EmitToMember("ride-1", driver.ID, ping))
	assert.ElementsMatch(t, []string{"ride-1"}, r.Rooms(p))

	r.Unregister(p)
	assert.Equal(t, 0, r.EmitToRoom("ride-1", ping, ""))
}

func TestJoinRoomRequiresRegistration(t *testing.T) {
	r := New(nil)
	c := testutil.NewConn(passenger)
	assert.False(t, r.JoinRoom(c, "ride-1"))
	assert.Equal(t, 0, r.EmitToRoom("ride-1", ping, ""))
}

func TestCloseRefusesAndClosesConnections(t *testing.T) {
	r := New(nil)
	c := testutil.NewConn(passenger)
	r.Register(c)
	r.Close()
	assert.True(t, c.Closed())
	assert.False(t, r.Register(testutil.NewConn(driver)))
}

func TestConcurrentRegisterAndEmit(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := models.Principal{ID: fmt.Sprintf("u%d", i%10), Role: models.RolePassenger}
			c := testutil.NewConn(p)
			r.Register(c)
			r.JoinRoom(c, fmt.Sprintf("ride-%d", i%5))
			r.Emit(p.ID, ping)
			r.EmitToRoom(fmt.Sprintf("ride-%d", i%5), ping, "")
			r.Unregister(c)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		assert.False(t, r.IsOnline(fmt.Sprintf("u%d", i)))
	}
}

func TestRegisterRacingCloseNeverLeavesOpenConnection(t *testing.T) {
	for round := 0; round < 20; round++ {
		r := New(nil)
		conns := make([]*testutil.Conn, 64)
		admitted := make([]bool, len(conns))
		var wg sync.WaitGroup
		for i := range conns {
			conns[i] = testutil.NewConn(models.Principal{ID: fmt.Sprintf("p%d", i), Role: models.RolePassenger})
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				admitted[i] = r.Register(conns[i])
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Close()
		}()
		wg.Wait()

		for i, c := range conns {
			if admitted[i] {
				assert.True(t, c.Closed(), "round %d: admitted connection %d left open", round, i)
			}
		}
		assert.False(t, r.Register(testutil.NewConn(passenger)))
	}
}
