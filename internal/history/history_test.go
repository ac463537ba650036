package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/rfpdesk/internal/domain"
)

type tickingClock struct {
	t time.Time
}

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	s.now = (&tickingClock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}).Now
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndListSessions_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rfp := int64(31)
	first, err := s.CreateSession(ctx, &rfp)
	require.NoError(t, err)
	require.Nil(t, first.Title)
	require.Equal(t, rfp, *first.RFPID)

	second, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, second.RFPID)

	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID)
	require.Equal(t, first.ID, list[1].ID)

	// activity moves a session back to the head
	_, err = s.AppendMessage(ctx, domain.Message{SessionID: first.ID, Role: domain.RoleUser, Content: "hi"})
	require.NoError(t, err)
	list, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, list[0].ID)
}

func TestAppendMessage_RoundTripsCitationsAndRoles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, domain.Message{SessionID: sess.ID, Role: domain.RoleSystem, Content: "context"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, domain.Message{SessionID: sess.ID, Role: domain.RoleUser, Content: "Summarize"})
	require.NoError(t, err)
	saved, err := s.AppendMessage(ctx, domain.Message{
		SessionID:   sess.ID,
		Role:        domain.RoleAssistant,
		Content:     "The solicitation requires...",
		Citations:   []domain.Citation{{Title: "RFP-1", URL: "https://example.com/rfp-1"}},
		IsStreaming: true,
	})
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	require.False(t, saved.IsStreaming)

	msgs, err := s.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{domain.RoleSystem, domain.RoleUser, domain.RoleAssistant},
		[]string{msgs[0].Role, msgs[1].Role, msgs[2].Role})
	require.Equal(t, []domain.Citation{{Title: "RFP-1", URL: "https://example.com/rfp-1"}}, msgs[2].Citations)
	require.Nil(t, msgs[1].Citations)
}

func TestAppendMessage_UnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage(context.Background(), domain.Message{SessionID: 404, Role: domain.RoleUser, Content: "x"})
	require.Error(t, err)
}

func TestSetTitle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, s.SetTitle(ctx, sess.ID, "Summarize this opportunity."))
	got, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Summarize this opportunity.", *got.Title)

	require.ErrorIs(t, s.SetTitle(ctx, 999, "x"), ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, domain.Message{SessionID: sess.ID, Role: domain.RoleUser, Content: "x"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.Session(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
	msgs, err := s.Messages(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	require.ErrorIs(t, s.DeleteSession(ctx, sess.ID), ErrNotFound)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	sess, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, sess.ID, list[0].ID)
}

func TestOpenWithFallback_UsesMemory(t *testing.T) {
	ctx := context.Background()
	s, err := OpenWithFallback(ctx, filepath.Join(t.TempDir(), "missing-dir", "nested", "history.db"))
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.CreateSession(ctx, nil)
	require.NoError(t, err)
	got, err := s.Session(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, got.ID)
}
