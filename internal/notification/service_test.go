package notification

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/platform-io/platform/internal/db"
	"github.com/platform-io/platform/internal/platerr"
	"github.com/platform-io/platform/internal/repositories"
	"github.com/platform-io/platform/internal/stream"
)

type fixture struct {
	service *Service
	repo    repositories.NotificationRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.NewMemory(zap.NewNop())
	require.NoError(t, err)

	hub := stream.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	notifications := repositories.NewNotificationRepository(database)
	return &fixture{
		service: NewService(Config{
			Notifications: notifications,
			Users:         repositories.NewUserRepository(database),
			Hub:           hub,
			Logger:        zap.NewNop(),
		}),
		repo: notifications,
	}
}

func TestNotifyPersistsAndMarksSent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := uuid.New()
	sessionID := uuid.New()

	cost := int64(4200)
	require.NoError(t, f.service.NotifySessionCompleted(ctx, userID, sessionID, &cost))

	rows, total, err := f.service.List(ctx, userID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, TypeSessionCompleted, rows[0].Type)
	assert.Equal(t, db.NotifSent, rows[0].Status)
	assert.Equal(t, "in_app", rows[0].Channel)
	assert.Contains(t, rows[0].Subject, sessionID.String()[:8])
	assert.Contains(t, rows[0].Subject, "4200 tokens")
}

func TestNotifySubjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := uuid.New()

	require.NoError(t, f.service.NotifyDeploymentSynced(ctx, userID, "shop", "production"))
	require.NoError(t, f.service.NotifyDeploymentFailed(ctx, userID, "shop", "staging"))
	require.NoError(t, f.service.NotifyPreviewExpired(ctx, userID, "shop", "feat/login"))

	rows, _, err := f.service.List(ctx, userID, false, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byType := map[string]string{}
	for _, n := range rows {
		byType[n.Type] = n.Subject
	}
	assert.Contains(t, byType[TypeDeploySynced], "production")
	assert.Contains(t, byType[TypeDeployFailed], "staging")
	assert.Contains(t, byType[TypePreviewExpired], `"feat/login"`)
}

func TestMarkReadFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := uuid.New()
	other := uuid.New()

	require.NoError(t, f.service.NotifySessionFailed(ctx, userID, uuid.New()))
	require.NoError(t, f.service.NotifySessionFailed(ctx, userID, uuid.New()))

	unread, err := f.service.CountUnread(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, unread)

	rows, _, err := f.service.List(ctx, userID, true, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Another user cannot mark someone else's notification read.
	err = f.service.MarkRead(ctx, rows[0].ID, other)
	assert.Equal(t, platerr.KindNotFound, platerr.KindOf(err))

	require.NoError(t, f.service.MarkRead(ctx, rows[0].ID, userID))
	unread, err = f.service.CountUnread(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unread)

	require.NoError(t, f.service.MarkAllRead(ctx, userID))
	unread, err = f.service.CountUnread(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestMarkReadUnknownID(t *testing.T) {
	f := newFixture(t)
	err := f.service.MarkRead(context.Background(), uuid.New(), uuid.New())
	assert.Equal(t, platerr.KindNotFound, platerr.KindOf(err))
}
