package archive

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
	"github.com/orrn/printdesk/internal/db"
)

type fixture struct {
	store    *db.Store
	archiver *Archiver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(filepath.Join(dir, "printdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	a, err := NewArchiver(conn, &config.DatabaseConfig{ArchivePath: filepath.Join(dir, "archives"), ArchiveDays: 30})
	require.NoError(t, err)
	return &fixture{store: db.NewStore(conn), archiver: a}
}

// finishedJob creates a job whose document exists and which completed at the given time.
func (f *fixture) finishedJob(t *testing.T, at time.Time) *core.Job {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.PutBlob(ctx, "menu.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)

	job := &core.Job{Username: "asha", ShopID: "shop1", Files: []core.FileRef{{
		FileID: id, Filename: "menu.pdf", Config: core.PrintConfig{Copies: 2},
	}}}
	require.NoError(t, f.store.Create(ctx, job))
	ok, err := f.store.Claim(ctx, job.ID, at)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.Complete(ctx, job.ID, at))
	return job
}

func TestRunArchive_MovesOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old := f.finishedJob(t, time.Now().UTC().AddDate(0, 0, -40))
	recent := f.finishedJob(t, time.Now().UTC().Add(-time.Hour))
	pending := &core.Job{Username: "ravi"}
	require.NoError(t, f.store.Create(ctx, pending))

	n, err := f.archiver.RunArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, core.ErrJobNotFound)
	exists, err := f.store.Exists(ctx, old.Files[0].FileID)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.store.Get(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = f.store.Get(ctx, pending.ID)
	assert.NoError(t, err)

	archives, err := f.archiver.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, 1, archives[0].JobCount)
	assert.Equal(t, time.Now().UTC().Format("2006_01"), archives[0].Month)

	info, err := f.archiver.Lookup(ctx, old.OrderID)
	require.NoError(t, err)
	assert.Equal(t, old.ID, info.JobID)
	assert.Equal(t, archives[0].Filename, info.ArchiveFile)
}

func TestRunArchive_NothingToDo(t *testing.T) {
	f := newFixture(t)
	n, err := f.archiver.RunArchive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	archives, err := f.archiver.ListArchives(context.Background())
	require.NoError(t, err)
	assert.Empty(t, archives)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := f.finishedJob(t, time.Now().UTC().AddDate(0, 0, -90))

	_, err := f.archiver.RunArchive(ctx)
	require.NoError(t, err)

	info, err := f.archiver.Restore(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, old.OrderID, info.OrderID)

	job, err := f.store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, job.Status)
	require.Len(t, job.Files, 1)
	assert.Equal(t, 2, job.Files[0].Config.Copies)

	_, err = f.archiver.Lookup(ctx, old.ID)
	assert.ErrorIs(t, err, ErrJobNotArchived)
	_, err = f.archiver.Restore(ctx, old.ID)
	assert.ErrorIs(t, err, ErrJobNotArchived)
}

func TestArchiveFiles_RejectForeignNames(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.archiver.GetArchiveInfo(ctx, "../printdesk.db")
	assert.ErrorIs(t, err, ErrArchiveNotFound)
	_, err = f.archiver.FilePath("archive_2024_01.db")
	assert.ErrorIs(t, err, ErrArchiveNotFound)
	assert.ErrorIs(t, f.archiver.DeleteArchive(ctx, "notes.txt"), ErrArchiveNotFound)
}

func TestDeleteArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.finishedJob(t, time.Now().UTC().AddDate(0, 0, -31))
	_, err := f.archiver.RunArchive(ctx)
	require.NoError(t, err)

	archives, err := f.archiver.ListArchives(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 1)

	require.NoError(t, f.archiver.DeleteArchive(ctx, archives[0].Filename))
	archives, err = f.archiver.ListArchives(ctx)
	require.NoError(t, err)
	assert.Empty(t, archives)
}
