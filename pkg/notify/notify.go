package notify

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	mail "github.com/wneessen/go-mail"

	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/types"
)

const (
	// subjectPrefix marks every outgoing mail so recipients can filter.
	subjectPrefix = "INAU. "
	// maxBodyChars caps mail bodies to the tail of the build output,
	// where the actual error lives.
	maxBodyChars = 5000
)

// Directory resolves the catalog users who receive mail.
type Directory interface {
	NotifiableUsers(ctx context.Context) ([]types.User, error)
	AdminUsers(ctx context.Context) ([]types.User, error)
}

// Config carries the SMTP relay settings. An empty Host disables mail
// entirely; every Mailer method then becomes a no-op.
type Config struct {
	Host   string
	Port   int
	From   string
	Domain string
}

// Mailer sends plain-text notification mail through one SMTP relay.
type Mailer struct {
	client *mail.Client
	from   string
	domain string
	dir    Directory
	logger zerolog.Logger
}

// New builds a Mailer. With an empty cfg.Host the returned Mailer is
// disabled but still usable.
func New(cfg Config, dir Directory, logger zerolog.Logger) (*Mailer, error) {
	m := &Mailer{from: cfg.From, domain: cfg.Domain, dir: dir, logger: logger}
	if cfg.Host == "" {
		return m, nil
	}
	port := cfg.Port
	if port == 0 {
		port = 25
	}
	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.NoTLS),
	)
	if err != nil {
		return nil, fmt.Errorf("creating smtp client: %w", err)
	}
	m.client = client
	return m, nil
}

// Enabled reports whether a relay is configured.
func (m *Mailer) Enabled() bool {
	return m != nil && m.client != nil
}

// BuildOutcome mails the result of one build to the addresses attached
// to the job, restricted to catalog users who opted in. The body is the
// tail of the captured build output.
func (m *Mailer) BuildOutcome(ctx context.Context, job types.Job, status types.BuildStatus, output, builderName string) {
	if !m.Enabled() {
		return
	}
	users, err := m.dir.NotifiableUsers(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("listing notifiable users")
		return
	}
	recipients := intersect(job.NotifyEmails, users, m.domain)
	if len(recipients) == 0 {
		return
	}
	verb := "failed"
	if status == types.BuildSuccess {
		verb = "succeeded"
	}
	subject := fmt.Sprintf("%s %s: build %s on %s", job.RepositoryName, job.Tag, verb, builderName)
	m.send(ctx, recipients, subject, tail(output, maxBodyChars))
}

// Exception mails an internal failure to every administrator.
func (m *Mailer) Exception(ctx context.Context, subject string, cause error) {
	if !m.Enabled() {
		return
	}
	admins, err := m.dir.AdminUsers(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("listing admin users")
		return
	}
	addrs := make([]string, 0, len(admins))
	for _, u := range admins {
		addrs = append(addrs, u.Name+"@"+m.domain)
	}
	if len(addrs) == 0 {
		return
	}
	m.send(ctx, addrs, subject, tail(cause.Error(), maxBodyChars))
}

func (m *Mailer) send(ctx context.Context, to []string, subject, body string) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		m.logger.Warn().Err(err).Str("from", m.from).Msg("invalid sender address")
		return
	}
	if err := msg.To(to...); err != nil {
		m.logger.Warn().Err(err).Strs("to", to).Msg("invalid recipient address")
		return
	}
	msg.Subject(subjectPrefix + subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		metrics.MailTotal.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Str("subject", subject).Msg("sending mail")
		return
	}
	metrics.MailTotal.WithLabelValues("sent").Inc()
	m.logger.Debug().Strs("to", to).Str("subject", subject).Msg("mail sent")
}

// intersect keeps, of the addresses attached to a job, those belonging
// to an opted-in user (addresses are <name>@<domain>), deduplicated and
// in stable order.
func intersect(emails []string, users []types.User, domain string) []string {
	opted := make(map[string]struct{}, len(users))
	for _, u := range users {
		opted[u.Name+"@"+domain] = struct{}{}
	}
	seen := make(map[string]struct{}, len(emails))
	var out []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		if _, ok := opted[e]; !ok {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
