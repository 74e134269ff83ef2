package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/models"
)

func TestLeaveRoomStopsDelivery(t *testing.T) {
	env := newTestEnv(t)

	tc := newTestConsumer(t, env.wsURL())
	tc.joinRoom(t, events.RoomUser)

	env.createPost(models.PostKindText, "first")
	msgs := tc.waitForMessages(1, 3*time.Second)
	require.Len(t, msgs, 1)

	tc.leaveRoom(t, events.RoomUser)
	env.createPost(models.PostKindText, "second")
	assert.Len(t, tc.waitForMessages(2, 300*time.Millisecond), 1)
}

func TestInvalidRoomIgnored(t *testing.T) {
	env := newTestEnv(t)

	tc := newTestConsumer(t, env.wsURL())
	require.NoError(t, tc.conn.WriteJSON(&ClientFrame{Type: events.CmdJoinRoom, Room: "vip-lounge"}))
	time.Sleep(50 * time.Millisecond)

	env.createPost(models.PostKindText, "a post")
	assert.Empty(t, tc.waitForMessages(1, 200*time.Millisecond))

	// the connection survives the bad frame
	tc.joinRoom(t, events.RoomUser)
	env.createPost(models.PostKindText, "another post")
	assert.NotEmpty(t, tc.waitForMessages(1, 3*time.Second))
}

func TestToggleModerationRequiresAdminRoom(t *testing.T) {
	env := newTestEnv(t)

	outsider := newTestConsumer(t, env.wsURL())
	outsider.joinRoom(t, events.RoomUser)
	outsider.toggleModeration(t, true)
	assert.False(t, env.scanner.Paused())

	admin := newTestConsumer(t, env.wsURL())
	admin.joinRoom(t, events.RoomAdmin)
	admin.toggleModeration(t, true)

	require.Eventually(t, func() bool {
		return env.scanner.Paused()
	}, 2*time.Second, 10*time.Millisecond)

	// the admin room hears about the change
	msgs := admin.waitForMessages(1, 3*time.Second)
	require.NotEmpty(t, msgs)
	assert.Contains(t, eventTypes(msgs), events.EvtStatusUpdate)

	admin.toggleModeration(t, false)
	require.Eventually(t, func() bool {
		return !env.scanner.Paused()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryTracksConnections(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, 0, env.server.registry.Len())

	a := newTestConsumer(t, env.wsURL())
	newTestConsumer(t, env.wsURL())

	require.Eventually(t, func() bool {
		return env.server.registry.Len() == 2
	}, 2*time.Second, 10*time.Millisecond)

	a.close()
	require.Eventually(t, func() bool {
		return env.server.registry.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectCleansUpSubscription(t *testing.T) {
	env := newTestEnv(t)

	tc := newTestConsumer(t, env.wsURL())
	tc.joinRoom(t, events.RoomUser)
	tc.close()

	require.Eventually(t, func() bool {
		return env.server.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// publishing after the disconnect must not block or panic
	require.NoError(t, env.evts.Publish(events.RoomUser, events.PostApproved("x")))
}
