package auth

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"gama-ovr/config"
	"gama-ovr/core/store"
	"gama-ovr/core/utils"

	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := &config.AppConfig{
		DBDriver:   "sqlite",
		DBURL:      "file:" + filepath.Join(dir, "auth.db") + "?_pragma=foreign_keys(1)",
		SessionTTL: time.Hour,
		CSRFKey:    "csrf-key",
	}
	logger := utils.NewLoggerTo("error", io.Discard)
	db, err := store.NewDB(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, logger))

	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	u, err := users.UpsertFromIdentity(ctx, "qi@hospital.org", "QI Lead", []string{"qi-team"}, []string{"qi"})
	require.NoError(t, err)

	sm := NewSessionManager(sessions, cfg, logger)
	sess, err := sm.Create(ctx, u, u.Roles, "127.0.0.1", "test-agent")
	require.NoError(t, err)
	require.True(t, VerifyCSRF(cfg.CSRFKey, sess.ID, sess.CSRFToken))

	saved, err := sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	p := PrincipalFromSession(saved)
	require.Equal(t, u.ID, p.UserID)
	require.True(t, p.HasRole("qi"))

	ctxWith := context.WithValue(ctx, SessionContextKey, saved)
	fromCtx, ok := PrincipalFromContext(ctxWith)
	require.True(t, ok)
	require.Equal(t, "qi@hospital.org", fromCtx.Email)
	_, ok = PrincipalFromContext(ctx)
	require.False(t, ok)

	rotated, err := sm.Rotate(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEqual(t, sess.ID, rotated.ID)
	gone, err := sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	require.NoError(t, sm.Delete(ctx, rotated.ID))
	gone, err = sessions.GetSession(ctx, rotated.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSessionPurgerDropsExpired(t *testing.T) {
	ctx := context.Background()
	cfg := &config.AppConfig{
		DBDriver:   "sqlite",
		DBURL:      "file:" + filepath.Join(t.TempDir(), "purge.db") + "?_pragma=foreign_keys(1)",
		SessionTTL: time.Millisecond,
	}
	logger := utils.NewLoggerTo("error", io.Discard)
	db, err := store.NewDB(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, logger))

	users := store.NewUsersStore(db)
	sessions := store.NewSessionsStore(db)
	u, err := users.UpsertFromIdentity(ctx, "nurse@hospital.org", "Nurse", nil, []string{"employee"})
	require.NoError(t, err)
	sm := NewSessionManager(sessions, cfg, logger)
	sess, err := sm.Create(ctx, u, u.Roles, "127.0.0.1", "test-agent")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	purger := NewSessionPurger(sm, logger)
	require.Equal(t, int64(1), purger.RunOnce(ctx))
	gone, err := sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	purger.StartWithContext(ctx)
	require.NoError(t, purger.StopWithContext(ctx))
}
