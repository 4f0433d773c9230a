package session_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xqi1337/nekoengine/internal/session"
	"github.com/xqi1337/nekoengine/models"
)

func frames(screens ...string) []models.MenuFrame {
	out := make([]models.MenuFrame, 0, len(screens))
	for _, s := range screens {
		out = append(out, models.MenuFrame{Screen: s})
	}
	return out
}

func TestNewServiceRequiresStorageDir(t *testing.T) {
	_, err := session.NewService("")
	require.ErrorIs(t, err, session.ErrStorageDirRequired)
}

func TestSaveDefaultRoundTrips(t *testing.T) {
	svc, err := session.NewService(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, svc.SaveDefault(frames("home", "search")))

	loaded, err := svc.LoadDefault()
	require.NoError(t, err)
	require.NotEmpty(t, loaded.ID)
	require.False(t, loaded.CrashExit)
	require.Len(t, loaded.Frames, 2)
	require.Equal(t, "search", loaded.Frames[1].Screen)
}

func TestSaveCrashIsDistinctFromDefault(t *testing.T) {
	svc, err := session.NewService(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, svc.SaveDefault(frames("home")))
	require.NoError(t, svc.SaveCrash(frames("home", "play")))

	crash, err := svc.LoadCrash()
	require.NoError(t, err)
	require.True(t, crash.CrashExit)
	require.Len(t, crash.Frames, 2)

	def, err := svc.LoadDefault()
	require.NoError(t, err)
	require.Len(t, def.Frames, 1)
	require.NotEqual(t, def.ID, crash.ID, "each snapshot carries its own id")
}

func TestMostRecentSessionPicksLatestTimestamp(t *testing.T) {
	svc, err := session.NewService(t.TempDir())
	require.NoError(t, err)

	first, err := svc.SaveNamed(frames("one"))
	require.NoError(t, err)
	second, err := svc.SaveNamed(frames("one", "two"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	latest, err := svc.MostRecentSession()
	require.NoError(t, err)
	require.Len(t, latest.Frames, 2)
}
