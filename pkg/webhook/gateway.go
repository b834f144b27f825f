package webhook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// ErrInvalidRef marks a tag_push whose ref is not under refs/tags/.
// The API answers it with 400; everything GitLab may legitimately
// redeliver gets a RejectionError and 200 instead.
var ErrInvalidRef = errors.New("ref is not a tag")

// RejectionError describes a delivery the gateway deliberately drops.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// Catalog is the slice of catalog operations admission needs.
type Catalog interface {
	EnabledRepositoriesByName(ctx context.Context, name string) ([]types.Repository, error)
	CreateScheduledBuild(ctx context.Context, repositoryID, platformID int64, tag string) (types.Build, error)
}

// Enqueuer routes an admitted job to a builder queue.
type Enqueuer interface {
	Enqueue(job types.Job) error
}

// ScheduledBuild is one build admitted from a delivery.
type ScheduledBuild struct {
	ID         int64 `json:"id"`
	PlatformID int64 `json:"platform_id"`
}

// Result is the admission outcome of one delivery. Builds is empty
// when every platform already had this tag scheduled.
type Result struct {
	Message string           `json:"message"`
	Builds  []ScheduledBuild `json:"builds"`
}

// Gateway admits deliveries.
type Gateway struct {
	catalog Catalog
	pool    Enqueuer
	domain  string
	logger  zerolog.Logger
}

func New(cat Catalog, pool Enqueuer, domain string, logger zerolog.Logger) *Gateway {
	return &Gateway{catalog: cat, pool: pool, domain: domain, logger: logger}
}

// Process runs the admission chain for one delivery. It returns a
// Result for accepted deliveries, a RejectionError for deliveries that
// are acknowledged and dropped, ErrInvalidRef for malformed refs and a
// plain error for internal failures.
func (g *Gateway) Process(ctx context.Context, deliveryID string, p *Payload) (*Result, error) {
	logger := g.logger.With().Str("delivery_id", deliveryID).Logger()

	if p.ObjectKind != "tag_push" {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		return nil, &RejectionError{Reason: fmt.Sprintf("ignoring %q event", p.ObjectKind)}
	}
	tag, ok := strings.CutPrefix(p.Ref, "refs/tags/")
	if !ok || tag == "" {
		metrics.WebhookEventsTotal.WithLabelValues("invalid_ref").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, p.Ref)
	}
	if p.After == ZeroSHA {
		metrics.WebhookEventsTotal.WithLabelValues("deleted").Inc()
		return nil, &RejectionError{Reason: fmt.Sprintf("tag %s was deleted", tag)}
	}
	// For an annotated tag "after" is the tag object, distinct from the
	// head commit. Equal values mean a lightweight tag, which carries
	// neither tagger nor message and is not considered a release.
	if len(p.Commits) == 0 || p.After == p.Commits[0].ID {
		metrics.WebhookEventsTotal.WithLabelValues("lightweight").Inc()
		return nil, &RejectionError{Reason: fmt.Sprintf("tag %s is not an annotated tag", tag)}
	}

	name := p.Project.PathWithNamespace
	repos, err := g.catalog.EnabledRepositoriesByName(ctx, name)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolving repository %q: %w", name, err)
	}
	if len(repos) == 0 {
		metrics.WebhookEventsTotal.WithLabelValues("unknown_repository").Inc()
		return nil, &RejectionError{Reason: fmt.Sprintf("repository %s is not configured", name)}
	}

	emails := notifySet(p, g.domain)
	result := &Result{}
	duplicates := 0
	for _, repo := range repos {
		build, err := g.catalog.CreateScheduledBuild(ctx, repo.ID, repo.PlatformID, tag)
		if errors.Is(err, catalog.ErrDuplicateBuild) {
			duplicates++
			logger.Info().
				Str("repository", name).
				Str("tag", tag).
				Int64("platform_id", repo.PlatformID).
				Msg("build already scheduled")
			continue
		}
		if err != nil {
			metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("scheduling build for %q: %w", name, err)
		}
		result.Builds = append(result.Builds, ScheduledBuild{ID: build.ID, PlatformID: repo.PlatformID})

		job := types.Job{
			BuildID:          build.ID,
			RepositoryID:     repo.ID,
			PlatformID:       repo.PlatformID,
			RepositoryName:   repo.Name,
			RepositorySSHURL: repo.ProviderURL,
			RepositoryType:   repo.Type,
			Tag:              tag,
			DefaultBranch:    p.Project.DefaultBranch,
			NotifyEmails:     emails,
			DeliveryID:       deliveryID,
		}
		if err := g.pool.Enqueue(job); err != nil {
			// The row stays SCHEDULED and shows up in the build listing.
			logger.Error().Err(err).Int64("build_id", build.ID).Msg("enqueueing job")
			continue
		}
		logger.Info().
			Int64("build_id", build.ID).
			Str("repository", name).
			Str("tag", tag).
			Int64("platform_id", repo.PlatformID).
			Msg("build scheduled")
	}

	if len(result.Builds) > 0 {
		metrics.WebhookEventsTotal.WithLabelValues("scheduled").Inc()
		result.Message = "builds scheduled"
	} else {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		result.Message = "builds already scheduled"
		result.Builds = []ScheduledBuild{}
	}
	return result, nil
}

// notifySet gathers the addresses tied to a delivery: the head commit's
// author, the pusher's derived account address and the pusher's profile
// address, deduplicated and in stable order.
func notifySet(p *Payload, domain string) []string {
	var emails []string
	add := func(e string) {
		if e == "" {
			return
		}
		for _, have := range emails {
			if have == e {
				return
			}
		}
		emails = append(emails, e)
	}
	if len(p.Commits) > 0 {
		add(p.Commits[0].Author.Email)
	}
	if p.UserUsername != "" && domain != "" {
		add(p.UserUsername + "@" + domain)
	}
	add(p.UserEmail)
	sort.Strings(emails)
	return emails
}
