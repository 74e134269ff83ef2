package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/models"
)

func TestCreatePostFanout(t *testing.T) {
	env := newTestEnv(t)

	admin := newTestConsumer(t, env.wsURL())
	admin.joinRoom(t, events.RoomAdmin)
	user := newTestConsumer(t, env.wsURL())
	user.joinRoom(t, events.RoomUser)
	lurker := newTestConsumer(t, env.wsURL())

	post := env.createPost(models.PostKindText, "hello from the reef")
	require.NotEmpty(t, post.ID)
	assert.True(t, post.Approved)

	for _, tc := range []*testConsumer{admin, user} {
		msgs := tc.waitForMessages(1, 3*time.Second)
		require.Len(t, msgs, 1)
		assert.Equal(t, events.EvtNewPost, msgs[0].Type)
		require.NotNil(t, msgs[0].Post)
		assert.Equal(t, post.ID, msgs[0].Post.ID)
	}

	// a connection with no room membership sees nothing
	assert.Empty(t, lurker.waitForMessages(1, 200*time.Millisecond))
}

func TestCreatePostValidation(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.request("POST", "/posts", &CreatePostRequest{Kind: "video", Content: "x"}, false)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.request("POST", "/posts", &CreatePostRequest{Kind: models.PostKindText}, false)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestApproveConvergence(t *testing.T) {
	env := newTestEnv(t)
	post := env.createPost(models.PostKindText, "pending judgement")

	// rejected first, then approved: the decision must fully reverse
	status, _ := env.request("POST", "/posts/"+post.ID+"/reject", nil, true)
	require.Equal(t, http.StatusOK, status)

	admin := newTestConsumer(t, env.wsURL())
	admin.joinRoom(t, events.RoomAdmin)
	user := newTestConsumer(t, env.wsURL())
	user.joinRoom(t, events.RoomUser)

	status, _ = env.request("POST", "/posts/"+post.ID+"/approve", nil, true)
	require.Equal(t, http.StatusOK, status)

	for _, tc := range []*testConsumer{admin, user} {
		msgs := tc.waitForMessages(1, 3*time.Second)
		require.Len(t, msgs, 1)
		assert.Equal(t, events.EvtPostApproved, msgs[0].Type)
		assert.Equal(t, post.ID, msgs[0].ID)
	}

	got, err := env.store.Get(t.Context(), post.ID)
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.False(t, got.UnderReview)
}

func TestRejectRemovesFromApprovedList(t *testing.T) {
	env := newTestEnv(t)
	post := env.createPost(models.PostKindText, "soon rejected")

	status, _ := env.request("POST", "/posts/"+post.ID+"/reject", nil, true)
	require.Equal(t, http.StatusOK, status)

	status, body := env.request("GET", "/posts/approved", nil, false)
	require.Equal(t, http.StatusOK, status)
	var posts []models.Post
	require.NoError(t, json.Unmarshal(body, &posts))
	assert.Empty(t, posts)

	status, body = env.request("GET", "/posts", nil, true)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &posts))
	assert.Len(t, posts, 1)
}

func TestMutationFailurePublishesNothing(t *testing.T) {
	env := newTestEnv(t)

	watcher := newTestConsumer(t, env.wsURL())
	watcher.joinRoom(t, events.RoomAdmin)

	status, _ := env.request("POST", "/posts/no-such-post/approve", nil, true)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.request("POST", "/posts/no-such-post/reject", nil, true)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.request("DELETE", "/posts/no-such-post", nil, false)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.request("POST", "/posts/no-such-post/flag", nil, true)
	assert.Equal(t, http.StatusNotFound, status)

	assert.Empty(t, watcher.waitForMessages(1, 200*time.Millisecond))
}

func TestDeletePublishesRemoval(t *testing.T) {
	env := newTestEnv(t)
	post := env.createPost(models.PostKindText, "short lived")

	user := newTestConsumer(t, env.wsURL())
	user.joinRoom(t, events.RoomUser)

	status, _ := env.request("DELETE", "/posts/"+post.ID, nil, false)
	require.Equal(t, http.StatusOK, status)

	msgs := user.waitForMessages(1, 3*time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.EvtPostRemoved, msgs[0].Type)
	assert.Equal(t, post.ID, msgs[0].ID)

	_, err := env.store.Get(t.Context(), post.ID)
	assert.ErrorIs(t, err, models.ErrPostNotFound)
}

func TestFlagPublishesReview(t *testing.T) {
	env := newTestEnv(t)
	post := env.createPost(models.PostKindText, "reported by a user")

	admin := newTestConsumer(t, env.wsURL())
	admin.joinRoom(t, events.RoomAdmin)

	status, _ := env.request("POST", "/posts/"+post.ID+"/flag", nil, true)
	require.Equal(t, http.StatusOK, status)

	msgs := admin.waitForMessages(1, 3*time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, events.EvtPostReviewed, msgs[0].Type)

	got, err := env.store.Get(t.Context(), post.ID)
	require.NoError(t, err)
	assert.True(t, got.UnderReview)
}

func TestAdminAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{"GET", "/posts"},
		{"POST", "/posts/x/approve"},
		{"POST", "/posts/x/reject"},
		{"POST", "/posts/x/flag"},
		{"POST", "/moderation/scan/text"},
		{"GET", "/moderation/status"},
	} {
		status, _ := env.request(route.method, route.path, nil, false)
		assert.Equal(t, http.StatusForbidden, status, "%s %s should require admin auth", route.method, route.path)
	}

	status, _ := env.request("GET", "/posts", nil, true)
	assert.Equal(t, http.StatusOK, status)
}

func TestManualScanEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createPost(models.PostKindText, "really toxic stuff")
	env.createPost(models.PostKindText, "wholesome content")

	status, body := env.request("POST", "/moderation/scan/text", nil, true)
	require.Equal(t, http.StatusOK, status)

	var res struct {
		Processed int `json:"processed"`
		Toxic     int `json:"toxic"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Toxic)
}

func TestConcurrentScanConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.createPost(models.PostKindText, "slow to classify")
	env.setClassifierDelay(500 * time.Millisecond)

	first := make(chan int, 1)
	go func() {
		status, _ := env.request("POST", "/moderation/scan/text", nil, true)
		first <- status
	}()
	time.Sleep(100 * time.Millisecond)

	status, _ := env.request("POST", "/moderation/scan/text", nil, true)
	assert.Equal(t, http.StatusConflict, status)

	assert.Equal(t, http.StatusOK, <-first)
}

func TestModerationStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.request("GET", "/moderation/status", nil, true)
	require.Equal(t, http.StatusOK, status)

	var res ModerationStatusResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.IsPaused)

	env.scanner.SetPaused(true)
	status, body = env.request("GET", "/moderation/status", nil, true)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.IsPaused)
}

func TestHealthcheck(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.request("GET", "/health", nil, false)
	assert.Equal(t, http.StatusOK, status)
}
