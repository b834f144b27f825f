package catalog

import (
	"context"
	"fmt"
	"time"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// InstallationReport is one row of the status/diff/history reports.
type InstallationReport struct {
	ID          int64                  `db:"id" json:"id"`
	Host        string                 `db:"host" json:"host"`
	Facility    string                 `db:"facility" json:"facility"`
	Repository  string                 `db:"repository" json:"repository"`
	Tag         string                 `db:"tag" json:"tag"`
	Type        types.InstallationType `db:"type" json:"type"`
	InstallDate time.Time              `db:"install_date" json:"install_date"`
	User        string                 `db:"user" json:"user"`
}

// HostFile is one file currently installed on a host, per the host's
// current installations.
type HostFile struct {
	Repository    string  `db:"repository" json:"repository"`
	Tag           string  `db:"tag" json:"tag"`
	Filename      string  `db:"filename" json:"filename"`
	Hash          *string `db:"hash" json:"hash,omitempty"`
	SymlinkTarget *string `db:"symlink_target" json:"symlink_target,omitempty"`
}

// RecordInstallations appends one installation row per host in a single
// transaction. Each insert first closes the previous current row of
// that (host, repository) pair by stamping its valid_to, so at most one
// open row exists per pair and history accretes untouched.
func (c *Catalog) RecordInstallations(ctx context.Context, repositoryID int64, rows []types.Installation) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning installation transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.ExecContext(ctx,
			`UPDATE installations SET valid_to = now()
			 WHERE host_id = $1 AND valid_to IS NULL
			   AND build_id IN (SELECT id FROM builds WHERE repository_id = $2)`,
			row.HostID, repositoryID)
		if err != nil {
			return fmt.Errorf("closing current installation for host %d: %w", row.HostID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO installations (host_id, user_id, build_id, build_date, type, install_date, valid_from)
			 VALUES ($1, $2, $3, $4, $5, now(), now())`,
			row.HostID, row.UserID, row.BuildID, row.BuildDate, row.Type)
		if err != nil {
			return fmt.Errorf("inserting installation for host %d: %w", row.HostID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing installations: %w", err)
	}
	return nil
}

const reportColumns = `
	i.id,
	h.name AS host,
	f.name AS facility,
	r.name AS repository,
	b.tag,
	i.type,
	i.install_date,
	u.name AS "user"
 FROM installations i
 JOIN hosts h ON h.id = i.host_id
 JOIN facilities f ON f.id = h.facility_id
 JOIN builds b ON b.id = i.build_id
 JOIN repositories r ON r.id = b.repository_id
 JOIN users u ON u.id = i.user_id`

// CurrentInstallations reports what is installed now: the open row per
// (host, repository). With diffOnly set the result is restricted to
// non-GLOBAL rows, i.e. per-facility and per-host deviations from the
// fleet default.
func (c *Catalog) CurrentInstallations(ctx context.Context, diffOnly bool) ([]InstallationReport, error) {
	query := `SELECT` + reportColumns + ` WHERE i.valid_to IS NULL`
	var args []interface{}
	if diffOnly {
		args = append(args, types.InstallGlobal)
		query += fmt.Sprintf(" AND i.type <> $%d", len(args))
	}
	query += ` ORDER BY h.name, r.name`

	var reports []InstallationReport
	if err := c.db.SelectContext(ctx, &reports, query, args...); err != nil {
		return nil, fmt.Errorf("selecting current installations: %w", err)
	}
	return reports, nil
}

// InstallationHistory reports every delivery event, newest first.
func (c *Catalog) InstallationHistory(ctx context.Context) ([]InstallationReport, error) {
	query := `SELECT` + reportColumns + ` ORDER BY i.id DESC`

	var reports []InstallationReport
	if err := c.db.SelectContext(ctx, &reports, query); err != nil {
		return nil, fmt.Errorf("selecting installation history: %w", err)
	}
	return reports, nil
}

// HostFiles lists the files the host's current installations deliver.
func (c *Catalog) HostFiles(ctx context.Context, hostID int64) ([]HostFile, error) {
	var files []HostFile
	err := c.db.SelectContext(ctx, &files,
		`SELECT r.name AS repository, b.tag, a.filename, a.hash, a.symlink_target
		 FROM installations i
		 JOIN builds b ON b.id = i.build_id
		 JOIN repositories r ON r.id = b.repository_id
		 JOIN artifacts a ON a.build_id = b.id
		 WHERE i.valid_to IS NULL AND i.host_id = $1
		 ORDER BY r.name, a.filename`, hostID)
	if err != nil {
		return nil, fmt.Errorf("selecting files for host %d: %w", hostID, err)
	}
	return files, nil
}
