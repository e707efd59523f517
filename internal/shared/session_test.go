package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "bo_session", time.Hour), mr
}

func TestSessionIssueAndLoadByCookie(t *testing.T) {
	sm, _ := newTestSessions(t)
	ctx := context.Background()

	id, err := sm.Issue(ctx, SessionData{UserID: 42, Email: "ops@example.com", Roles: []string{"Admin"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/drafts", nil)
	req.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: id})

	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(42), sess.UserID)
	assert.Equal(t, []string{"Admin"}, sess.Roles)
	assert.Equal(t, id, sess.ID)
}

func TestSessionLoadByBearer(t *testing.T) {
	sm, _ := newTestSessions(t)
	ctx := context.Background()
	id, err := sm.Issue(ctx, SessionData{UserID: 7, Roles: []string{"Client"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/invoices", nil)
	req.Header.Set("Authorization", "Bearer "+id)
	sess, err := sm.Load(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, int64(7), sess.UserID)
}

func TestSessionAnonymousAndExpired(t *testing.T) {
	sm, mr := newTestSessions(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Nil(t, sess)

	id, err := sm.Issue(ctx, SessionData{UserID: 1})
	require.NoError(t, err)
	mr.FastForward(2 * time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: sm.CookieName(), Value: id})
	sess, err = sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSessionRevoke(t *testing.T) {
	sm, mr := newTestSessions(t)
	ctx := context.Background()
	id, err := sm.Issue(ctx, SessionData{UserID: 1})
	require.NoError(t, err)
	require.NoError(t, sm.Revoke(ctx, id))
	assert.False(t, mr.Exists("session:"+id))
}

func TestSessionIssueRequiresUser(t *testing.T) {
	sm, _ := newTestSessions(t)
	_, err := sm.Issue(context.Background(), SessionData{})
	assert.Error(t, err)
}
