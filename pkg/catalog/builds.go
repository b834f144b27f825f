package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// CreateScheduledBuild inserts a SCHEDULED build for (repository,
// platform, tag). The unique constraint on that triple is the admission
// coordination primitive: a second delivery of the same tag push gets
// ErrDuplicateBuild and schedules nothing.
func (c *Catalog) CreateScheduledBuild(ctx context.Context, repositoryID, platformID int64, tag string) (types.Build, error) {
	build := types.Build{
		RepositoryID: repositoryID,
		PlatformID:   platformID,
		Tag:          tag,
		Status:       types.BuildScheduled,
	}
	err := c.db.QueryRowxContext(ctx,
		`INSERT INTO builds (repository_id, platform_id, tag, status, output)
		 VALUES ($1, $2, $3, $4, '')
		 RETURNING id, date`,
		repositoryID, platformID, tag, types.BuildScheduled).Scan(&build.ID, &build.Date)
	if isUniqueViolation(err) {
		return types.Build{}, fmt.Errorf("build for repository %d tag %q: %w", repositoryID, tag, ErrDuplicateBuild)
	}
	if err != nil {
		return types.Build{}, fmt.Errorf("inserting build: %w", err)
	}
	return build, nil
}

// StartBuild transitions a build SCHEDULED -> RUNNING, stamps its date
// with the moment execution actually began, and returns that date so
// callers can denormalize it onto artifact rows.
func (c *Catalog) StartBuild(ctx context.Context, id int64) (time.Time, error) {
	var date time.Time
	err := c.db.QueryRowxContext(ctx,
		`UPDATE builds SET status = $1, date = now() WHERE id = $2 AND status = $3 RETURNING date`,
		types.BuildRunning, id, types.BuildScheduled).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("build %d is not in SCHEDULED state", id)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("starting build %d: %w", id, err)
	}
	return date, nil
}

// FinishBuild transitions a build RUNNING -> SUCCESS|FAILED and stores
// the captured output verbatim. Transitions are monotonic; finishing a
// build twice is an error.
func (c *Catalog) FinishBuild(ctx context.Context, id int64, status types.BuildStatus, output string) error {
	if status != types.BuildSuccess && status != types.BuildFailed {
		return fmt.Errorf("build %d: invalid terminal status %s", id, status)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE builds SET status = $1, output = $2 WHERE id = $3 AND status = $4`,
		status, output, id, types.BuildRunning)
	if err != nil {
		return fmt.Errorf("finishing build %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing build %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("build %d is not in RUNNING state", id)
	}
	return nil
}

// BuildByID fetches one build.
func (c *Catalog) BuildByID(ctx context.Context, id int64) (types.Build, error) {
	var build types.Build
	err := c.db.GetContext(ctx, &build,
		`SELECT id, repository_id, platform_id, tag, date, status, output FROM builds WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Build{}, fmt.Errorf("build %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Build{}, fmt.Errorf("selecting build %d: %w", id, err)
	}
	return build, nil
}

// LatestSuccessfulBuild picks the highest-id SUCCESS build for
// (repository, tag); this is the build the installer delivers.
func (c *Catalog) LatestSuccessfulBuild(ctx context.Context, repositoryID int64, tag string) (types.Build, error) {
	var build types.Build
	err := c.db.GetContext(ctx, &build,
		`SELECT id, repository_id, platform_id, tag, date, status, output
		 FROM builds
		 WHERE repository_id = $1 AND tag = $2 AND status = $3
		 ORDER BY id DESC LIMIT 1`,
		repositoryID, tag, types.BuildSuccess)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Build{}, fmt.Errorf("successful build for repository %d tag %q: %w", repositoryID, tag, ErrNotFound)
	}
	if err != nil {
		return types.Build{}, fmt.Errorf("selecting build for repository %d tag %q: %w", repositoryID, tag, err)
	}
	return build, nil
}

// BuildListFilter narrows the read-only build listing.
type BuildListFilter struct {
	Repository string
	Tag        string
	Limit      int
}

// Builds lists builds newest first for the reporting API.
func (c *Catalog) Builds(ctx context.Context, filter BuildListFilter) ([]types.Build, error) {
	query := `SELECT b.id, b.repository_id, b.platform_id, b.tag, b.date, b.status, b.output
		 FROM builds b JOIN repositories r ON r.id = b.repository_id`
	var args []interface{}
	if filter.Repository != "" {
		args = append(args, filter.Repository)
		query += fmt.Sprintf(" WHERE r.name = $%d", len(args))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		clause := " WHERE"
		if filter.Repository != "" {
			clause = " AND"
		}
		query += fmt.Sprintf("%s b.tag = $%d", clause, len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY b.id DESC LIMIT $%d", len(args))

	var builds []types.Build
	if err := c.db.SelectContext(ctx, &builds, query, args...); err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	return builds, nil
}

// InsertArtifacts appends every artifact row of one build in a single
// transaction: readers see either no artifacts or the complete set.
func (c *Catalog) InsertArtifacts(ctx context.Context, artifacts []types.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning artifact transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range artifacts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (build_id, build_date, filename, hash, symlink_target)
			 VALUES ($1, $2, $3, $4, $5)`,
			a.BuildID, a.BuildDate, a.Filename, a.Hash, a.SymlinkTarget)
		if err != nil {
			return fmt.Errorf("inserting artifact %q: %w", a.Filename, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing artifacts: %w", err)
	}
	return nil
}

// ArtifactsByBuild lists the artifacts of one build.
func (c *Catalog) ArtifactsByBuild(ctx context.Context, buildID int64) ([]types.Artifact, error) {
	var artifacts []types.Artifact
	err := c.db.SelectContext(ctx, &artifacts,
		`SELECT id, build_id, build_date, filename, hash, symlink_target
		 FROM artifacts WHERE build_id = $1 ORDER BY id`, buildID)
	if err != nil {
		return nil, fmt.Errorf("selecting artifacts for build %d: %w", buildID, err)
	}
	return artifacts, nil
}
