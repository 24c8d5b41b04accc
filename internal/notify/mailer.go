// Package notify implements the notification collaborator: email on any
// non-failed terminal transition and any failure transition, fanned out to
// every subscriber of the run's pipeline/template/test plus the run's own
// creator (spec.md §4.7). It sends email only; GitHub comments for
// run-group-scoped runs are posted by the rungroup package.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"os/exec"
	"sort"
	"text/template"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
)

// TestLookup resolves a run's test to its owning template.
type TestLookup interface {
	GetTest(ctx context.Context, id uuid.UUID) (*domain.Test, error)
}

// TemplateLookup resolves a template to its owning pipeline.
type TemplateLookup interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error)
}

// SubscriptionLister enumerates subscriber emails for one entity scope.
type SubscriptionLister interface {
	EmailsFor(ctx context.Context, entityType domain.SubscriptionEntityType, entityID uuid.UUID) ([]string, error)
}

// RunResultLister returns a run's captured results, for the email body.
type RunResultLister interface {
	ListForRun(ctx context.Context, runID uuid.UUID) ([]domain.RunResult, error)
}

// RunErrorLister returns a run's error log, for the email body.
type RunErrorLister interface {
	ListForRun(ctx context.Context, runID uuid.UUID) ([]domain.RunError, error)
}

// Mode selects how Notifier dispatches mail.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeSMTP     Mode = "smtp"
	ModeSendmail Mode = "sendmail"
)

// SMTPConfig carries the settings net/smtp needs to relay a message.
type SMTPConfig struct {
	Domain   string // host:port
	Username string
	Password string
}

// Notifier dispatches one email per distinct subscriber address on a run's
// terminal transitions. It posts no GitHub comments.
type Notifier struct {
	mode         Mode
	from         string
	smtp         SMTPConfig
	sendmailPath string

	tests         TestLookup
	templates     TemplateLookup
	subscriptions SubscriptionLister
	results       RunResultLister
	errors        RunErrorLister
	commenter     Commenter // stored by New; OnTerminal does not use it

	apiDomain string // stored by New; the email body does not use it
}

// Commenter posts a GitHub comment — satisfied by *github.Client. Kept as a
// narrow interface here so notify doesn't import the github package's REST
// plumbing, only the one capability it needs.
type Commenter interface {
	CreateComment(ctx context.Context, owner, repo string, issueNumber int, body string) error
}

// New creates a Notifier. commenter may be nil; the Notifier never posts
// through it.
func New(mode Mode, from string, smtpCfg SMTPConfig, sendmailPath string, apiDomain string,
	tests TestLookup, templates TemplateLookup, subs SubscriptionLister,
	results RunResultLister, errs RunErrorLister, commenter Commenter,
) *Notifier {
	return &Notifier{
		mode: mode, from: from, smtp: smtpCfg, sendmailPath: sendmailPath,
		apiDomain: apiDomain, tests: tests, templates: templates, subscriptions: subs,
		results: results, errors: errs, commenter: commenter,
	}
}

// bodyTemplate renders the templated email body named in spec.md §4.7:
// run id, status, result URIs, and error log.
var bodyTemplate = template.Must(template.New("run_notification").Parse(
	`Run {{.Run.Name}} ({{.Run.ID}}) reached status {{.Run.Status}}.

Results:
{{range .Results}}  {{.ResultID}}: {{.Value}}
{{else}}  (none)
{{end}}
Errors:
{{range .Errors}}  {{.CreatedAt.Format "2006-01-02T15:04:05Z07:00"}}: {{.Message}}
{{else}}  (none)
{{end}}
`))

type bodyData struct {
	Run     *domain.Run
	Results []domain.RunResult
	Errors  []domain.RunError
}

// OnTerminal dispatches notifications for a run that just reached any
// terminal state — both successful and failed terminals send email
// (spec.md §4.7: "any non-failed terminal transition and any failure
// transition"). It sends email only; the per-run GitHub comments and their
// success/failure wording live in rungroup/coordinator.go.
func (n *Notifier) OnTerminal(ctx context.Context, run *domain.Run) error {
	recipients, err := n.recipients(ctx, run)
	if err != nil {
		return fmt.Errorf("enumerate notification recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil
	}

	body, err := n.renderBody(ctx, run)
	if err != nil {
		return fmt.Errorf("render notification body: %w", err)
	}
	subject := fmt.Sprintf("[carrot] run %s: %s", run.Name, run.Status)

	for _, addr := range recipients {
		if err := n.send(addr, subject, body); err != nil {
			// spec.md §4.7: "Email delivery failure is logged, not retried
			// automatically" — one recipient's failure must not block the rest.
			slog.Error("notify: email delivery failed", "run_id", run.ID, "to", addr, "error", err)
		}
	}
	return nil
}

// recipients unions pipeline/template/test subscribers with the run's own
// creator, deduplicated.
func (n *Notifier) recipients(ctx context.Context, run *domain.Run) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	add(run.CreatedBy)

	testEmails, err := n.subscriptions.EmailsFor(ctx, domain.SubscriptionEntityTest, run.TestID)
	if err != nil {
		return nil, err
	}
	for _, e := range testEmails {
		add(e)
	}

	test, err := n.tests.GetTest(ctx, run.TestID)
	if err != nil {
		return nil, err
	}
	if test == nil {
		sort.Strings(out)
		return out, nil
	}

	templateEmails, err := n.subscriptions.EmailsFor(ctx, domain.SubscriptionEntityTemplate, test.TemplateID)
	if err != nil {
		return nil, err
	}
	for _, e := range templateEmails {
		add(e)
	}

	tmpl, err := n.templates.GetTemplate(ctx, test.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl != nil {
		pipelineEmails, err := n.subscriptions.EmailsFor(ctx, domain.SubscriptionEntityPipeline, tmpl.PipelineID)
		if err != nil {
			return nil, err
		}
		for _, e := range pipelineEmails {
			add(e)
		}
	}

	sort.Strings(out)
	return out, nil
}

func (n *Notifier) renderBody(ctx context.Context, run *domain.Run) (string, error) {
	results, err := n.results.ListForRun(ctx, run.ID)
	if err != nil {
		return "", err
	}
	errs, err := n.errors.ListForRun(ctx, run.ID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, bodyData{Run: run, Results: results, Errors: errs}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// send dispatches one message per the configured mode. ModeNone is a no-op,
// matching spec.md §6's "none disables dispatch".
func (n *Notifier) send(to, subject, body string) error {
	switch n.mode {
	case ModeNone, "":
		return nil
	case ModeSMTP:
		return n.sendSMTP(to, subject, body)
	case ModeSendmail:
		return n.sendSendmail(to, subject, body)
	default:
		return fmt.Errorf("notify: unknown email mode %q", n.mode)
	}
}

func (n *Notifier) sendSMTP(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", n.from, to, subject, body)
	var auth smtp.Auth
	if n.smtp.Username != "" {
		host := n.smtp.Domain
		if i := bytes.IndexByte([]byte(host), ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, host)
	}
	return smtp.SendMail(n.smtp.Domain, auth, n.from, []string{to}, []byte(msg))
}

// sendSendmail shells out to the configured sendmail binary — the mode
// operators without SMTP relay access use (spec.md §6).
func (n *Notifier) sendSendmail(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", n.from, to, subject, body)
	cmd := exec.Command(n.sendmailPath, "-t")
	cmd.Stdin = bytes.NewReader(append([]byte(msg), '\n'))
	return cmd.Run()
}
