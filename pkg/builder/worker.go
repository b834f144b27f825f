package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/remote"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// Catalog is the slice of catalog operations workers and the pool need.
type Catalog interface {
	Builders(ctx context.Context) ([]types.Builder, error)
	StartBuild(ctx context.Context, id int64) (time.Time, error)
	FinishBuild(ctx context.Context, id int64, status types.BuildStatus, output string) error
	InsertArtifacts(ctx context.Context, artifacts []types.Artifact) error
}

// Mirrors prepares the work tree of a job and returns its directory.
type Mirrors interface {
	Sync(ctx context.Context, job types.Job) (string, error)
}

// BlobStore ingests build outputs into the object store.
type BlobStore interface {
	Ingest(source string) (string, error)
}

// Runner executes one command on a builder machine.
type Runner interface {
	Run(ctx context.Context, host, command string) ([]byte, error)
}

// Notifier reports build outcomes and internal failures. Implementations
// must never block on a broken relay; workers call this synchronously.
type Notifier interface {
	BuildOutcome(ctx context.Context, job types.Job, status types.BuildStatus, output, builderName string)
	Exception(ctx context.Context, subject string, cause error)
}

// Deps bundles the collaborators shared by every worker.
// BuildTimeoutSoft bounds the make invocation, BuildTimeoutHard the
// whole job including repository sync and artifact collection. Zero
// disables the respective bound.
type Deps struct {
	Catalog          Catalog
	Mirrors          Mirrors
	Store            BlobStore
	Runner           Runner
	Notifier         Notifier
	BuildTimeoutSoft time.Duration
	BuildTimeoutHard time.Duration
	Logger           zerolog.Logger
}

// Worker serializes the builds of one builder machine.
type Worker struct {
	builder types.Builder
	queue   *queue
	deps    Deps
	logger  zerolog.Logger
	done    chan struct{}
}

func newWorker(b types.Builder, deps Deps) *Worker {
	return &Worker{
		builder: b,
		queue:   newQueue(),
		deps:    deps,
		logger:  deps.Logger.With().Str("builder", b.Name).Int64("platform_id", b.PlatformID).Logger(),
		done:    make(chan struct{}),
	}
}

func (w *Worker) start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		job, ok := w.queue.pop()
		if !ok {
			w.logger.Info().Msg("worker retired")
			return
		}
		w.execute(job)
	}
}

// retire stops intake; jobs already queued still run, then run exits.
func (w *Worker) retire() {
	w.queue.close()
}

// execute drives one build end to end. Failures terminate the build,
// never the worker.
func (w *Worker) execute(job types.Job) {
	ctx := context.Background()
	logger := w.logger.With().
		Int64("build_id", job.BuildID).
		Str("repository", job.RepositoryName).
		Str("tag", job.Tag).
		Str("delivery_id", job.DeliveryID).
		Logger()

	buildDate, err := w.deps.Catalog.StartBuild(ctx, job.BuildID)
	if err != nil {
		logger.Error().Err(err).Msg("starting build")
		w.deps.Notifier.Exception(ctx, fmt.Sprintf("cannot start build %d", job.BuildID), err)
		return
	}
	logger.Info().Msg("build started")
	timer := metrics.NewTimer()

	// The hard bound covers the whole job; catalog writes below stay
	// on the parent context so the outcome is recorded even when the
	// job context is already dead.
	jobCtx := ctx
	if w.deps.BuildTimeoutHard > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.deps.BuildTimeoutHard)
		defer cancel()
	}
	status, output, artifacts := w.runBuild(jobCtx, logger, job, buildDate)

	if err := w.deps.Catalog.FinishBuild(ctx, job.BuildID, status, output); err != nil {
		logger.Error().Err(err).Msg("recording build outcome")
		w.deps.Notifier.Exception(ctx, fmt.Sprintf("cannot record outcome of build %d", job.BuildID), err)
		return
	}
	if status == types.BuildSuccess && len(artifacts) > 0 {
		if err := w.deps.Catalog.InsertArtifacts(ctx, artifacts); err != nil {
			logger.Error().Err(err).Msg("recording artifacts")
			w.deps.Notifier.Exception(ctx, fmt.Sprintf("cannot record artifacts of build %d", job.BuildID), err)
		}
	}

	metrics.BuildsTotal.WithLabelValues(status.String()).Inc()
	timer.ObserveDuration(metrics.BuildDuration)
	logger.Info().Str("status", status.String()).Int("artifacts", len(artifacts)).Msg("build finished")

	w.deps.Notifier.BuildOutcome(ctx, job, status, output, w.builder.Name)
}

// runBuild syncs the work tree, runs make on the builder and, on
// success, ingests the outputs. It decides the terminal status but
// never touches the build row.
func (w *Worker) runBuild(ctx context.Context, logger zerolog.Logger, job types.Job, buildDate time.Time) (types.BuildStatus, string, []types.Artifact) {
	dir, err := w.deps.Mirrors.Sync(ctx, job)
	if err != nil {
		logger.Warn().Err(err).Msg("preparing work tree")
		return types.BuildFailed, "repository update failed: " + err.Error(), nil
	}

	command := buildCommand(w.builder.Environment, dir, job.RepositoryType)
	runCtx := ctx
	if w.deps.BuildTimeoutSoft > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.deps.BuildTimeoutSoft)
		defer cancel()
	}
	out, err := w.deps.Runner.Run(runCtx, w.builder.Name, command)
	output := string(out)
	if err != nil {
		var exitErr *remote.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn().Int("exit_status", exitErr.Status).Msg("make failed")
			return types.BuildFailed, output, nil
		}
		logger.Warn().Err(err).Msg("build command failed")
		if output != "" {
			output += "\n"
		}
		return types.BuildFailed, output + err.Error(), nil
	}

	artifacts, err := collectArtifacts(dir, job, buildDate, w.deps.Store)
	if err != nil {
		logger.Warn().Err(err).Msg("collecting artifacts")
		if output != "" {
			output += "\n"
		}
		return types.BuildFailed, output + "artifact collection failed: " + err.Error(), nil
	}
	return types.BuildSuccess, output, artifacts
}

// buildCommand composes the shell line run on the builder. The group
// keeps environment, profile, make and the library install step in one
// transcript.
func buildCommand(environment, dir string, t types.RepositoryType) string {
	var b strings.Builder
	b.WriteString("(")
	if environment != "" {
		fmt.Fprintf(&b, "source %s; ", environment)
	}
	b.WriteString("source /etc/profile; ")
	fmt.Fprintf(&b, "cd %s; ", dir)
	b.WriteString("make -j$(getconf _NPROCESSORS_ONLN)")
	if t.Profile().MakeInstall {
		b.WriteString(" && rm -fr .install && PREFIX=.install make install")
	}
	b.WriteString(") 2>&1")
	return b.String()
}

// collectArtifacts walks the output root of a finished build: regular
// files are ingested into the store, symlinks are recorded with their
// target rewritten relative to the output root. A missing output root
// yields no artifacts, which is a valid empty build.
func collectArtifacts(dir string, job types.Job, buildDate time.Time, blobs BlobStore) ([]types.Artifact, error) {
	root := filepath.Join(dir, job.RepositoryType.Profile().OutputRoot)
	if _, err := os.Lstat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	var artifacts []types.Artifact
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if !filepath.IsAbs(target) {
				target = filepath.ToSlash(filepath.Join(filepath.Dir(rel), target))
			}
			artifacts = append(artifacts, types.Artifact{
				BuildID:       job.BuildID,
				BuildDate:     buildDate,
				Filename:      filepath.ToSlash(rel),
				SymlinkTarget: &target,
			})
		case d.Type().IsRegular():
			hash, err := blobs.Ingest(p)
			if err != nil {
				return fmt.Errorf("ingesting %s: %w", rel, err)
			}
			artifacts = append(artifacts, types.Artifact{
				BuildID:   job.BuildID,
				BuildDate: buildDate,
				Filename:  filepath.ToSlash(rel),
				Hash:      &hash,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}
