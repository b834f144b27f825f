package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

func buildColumns() []string {
	return []string{"id", "repository_id", "platform_id", "tag", "date", "status", "output"}
}

func TestCreateScheduledBuild(t *testing.T) {
	cat, mock := newMockCatalog(t)
	scheduled := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO builds").
		WithArgs(int64(3), int64(1), "2.1.0", types.BuildScheduled).
		WillReturnRows(sqlmock.NewRows([]string{"id", "date"}).AddRow(41, scheduled))

	build, err := cat.CreateScheduledBuild(context.Background(), 3, 1, "2.1.0")
	require.NoError(t, err)
	assert.Equal(t, int64(41), build.ID)
	assert.Equal(t, scheduled, build.Date)
	assert.Equal(t, types.BuildScheduled, build.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateScheduledBuildDuplicate(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery("INSERT INTO builds").
		WithArgs(int64(3), int64(1), "2.1.0", types.BuildScheduled).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "builds_repository_id_platform_id_tag_key"})

	_, err := cat.CreateScheduledBuild(context.Background(), 3, 1, "2.1.0")
	require.ErrorIs(t, err, ErrDuplicateBuild)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartBuild(t *testing.T) {
	cat, mock := newMockCatalog(t)
	started := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

	mock.ExpectQuery("UPDATE builds SET status").
		WithArgs(types.BuildRunning, int64(41), types.BuildScheduled).
		WillReturnRows(sqlmock.NewRows([]string{"date"}).AddRow(started))

	date, err := cat.StartBuild(context.Background(), 41)
	require.NoError(t, err)
	assert.Equal(t, started, date)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartBuildWrongState(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery("UPDATE builds SET status").
		WithArgs(types.BuildRunning, int64(41), types.BuildScheduled).
		WillReturnRows(sqlmock.NewRows([]string{"date"}))

	_, err := cat.StartBuild(context.Background(), 41)
	require.ErrorContains(t, err, "not in SCHEDULED state")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishBuild(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectExec("UPDATE builds SET status").
		WithArgs(types.BuildSuccess, "make output", int64(41), types.BuildRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, cat.FinishBuild(context.Background(), 41, types.BuildSuccess, "make output"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishBuildWrongState(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectExec("UPDATE builds SET status").
		WithArgs(types.BuildFailed, "", int64(41), types.BuildRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := cat.FinishBuild(context.Background(), 41, types.BuildFailed, "")
	require.ErrorContains(t, err, "not in RUNNING state")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishBuildRejectsNonTerminalStatus(t *testing.T) {
	cat, _ := newMockCatalog(t)

	err := cat.FinishBuild(context.Background(), 41, types.BuildRunning, "")
	require.ErrorContains(t, err, "invalid terminal status")
}

func TestLatestSuccessfulBuild(t *testing.T) {
	cat, mock := newMockCatalog(t)
	date := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, repository_id, platform_id, tag, date, status, output").
		WithArgs(int64(3), "2.1.0", types.BuildSuccess).
		WillReturnRows(sqlmock.NewRows(buildColumns()).
			AddRow(103, 3, 1, "2.1.0", date, 2, ""))

	build, err := cat.LatestSuccessfulBuild(context.Background(), 3, "2.1.0")
	require.NoError(t, err)
	assert.Equal(t, int64(103), build.ID)
	assert.Equal(t, types.BuildSuccess, build.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSuccessfulBuildNotFound(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery("SELECT id, repository_id, platform_id, tag, date, status, output").
		WithArgs(int64(3), "9.9.9", types.BuildSuccess).
		WillReturnRows(sqlmock.NewRows(buildColumns()))

	_, err := cat.LatestSuccessfulBuild(context.Background(), 3, "9.9.9")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildsFilterComposition(t *testing.T) {
	cat, mock := newMockCatalog(t)
	date := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE r\.name = \$1 AND b\.tag = \$2 ORDER BY b\.id DESC LIMIT \$3`).
		WithArgs("cs/ds/fake-server", "2.1.0", 5).
		WillReturnRows(sqlmock.NewRows(buildColumns()).
			AddRow(103, 3, 1, "2.1.0", date, 2, ""))

	builds, err := cat.Builds(context.Background(), BuildListFilter{
		Repository: "cs/ds/fake-server",
		Tag:        "2.1.0",
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, builds, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildsDefaultLimit(t *testing.T) {
	cat, mock := newMockCatalog(t)

	mock.ExpectQuery(`ORDER BY b\.id DESC LIMIT \$1`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(buildColumns()))

	_, err := cat.Builds(context.Background(), BuildListFilter{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertArtifacts(t *testing.T) {
	cat, mock := newMockCatalog(t)
	date := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	hash := "36f028580bb02cc8272a9a020f4200e346e276ae664e45ee80745574e2f5ab80"
	target := "fake-server-2.1.0"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs(int64(41), date, "ds/fake-server-2.1.0", hash, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs(int64(41), date, "ds/fake-server", nil, target).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	artifacts := []types.Artifact{
		{BuildID: 41, BuildDate: date, Filename: "ds/fake-server-2.1.0", Hash: &hash},
		{BuildID: 41, BuildDate: date, Filename: "ds/fake-server", SymlinkTarget: &target},
	}
	require.NoError(t, cat.InsertArtifacts(context.Background(), artifacts))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertArtifactsRollsBackOnFailure(t *testing.T) {
	cat, mock := newMockCatalog(t)
	date := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	hash := "36f028580bb02cc8272a9a020f4200e346e276ae664e45ee80745574e2f5ab80"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs(int64(41), date, "ds/fake-server-2.1.0", hash, nil).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	artifacts := []types.Artifact{
		{BuildID: 41, BuildDate: date, Filename: "ds/fake-server-2.1.0", Hash: &hash},
	}
	err := cat.InsertArtifacts(context.Background(), artifacts)
	require.ErrorContains(t, err, "inserting artifact")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertArtifactsEmptyIsNoop(t *testing.T) {
	cat, mock := newMockCatalog(t)

	require.NoError(t, cat.InsertArtifacts(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
