// Package notify sends backup result emails through the Resend API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"velosync/internal/velosync"
)

// DefaultEndpoint is the Resend send-email endpoint.
const DefaultEndpoint = "https://api.resend.com/emails"

// maxDetailLines caps how much of a run's error details end up in a mail.
const maxDetailLines = 10

// Mailer sends run summaries. A nil *Mailer is a valid no-op sender, so
// callers without an API key configured do not need to branch.
type Mailer struct {
	endpoint   string
	apiKey     string
	from       string
	httpClient *http.Client

	// Error details come from upstream responses and post titles; strip
	// anything markup-like before it lands in an HTML mail body.
	sanitizer *bluemonday.Policy
}

// New builds a Mailer. Returns nil when apiKey is empty, which disables
// notifications entirely.
func New(endpoint, apiKey, from string) *Mailer {
	if apiKey == "" {
		return nil
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Mailer{
		endpoint: endpoint,
		apiKey:   apiKey,
		from:     from,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		sanitizer: bluemonday.StrictPolicy(),
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// RunFinished mails the outcome of a finished run to the user. Failures here
// never propagate into the run; the backup already happened (or already
// failed) regardless of whether the mail lands.
func (m *Mailer) RunFinished(ctx context.Context, usr velosync.User, run velosync.BackupRun) error {
	if m == nil || !usr.EmailNotifications || usr.Email == "" {
		return nil
	}

	subject := fmt.Sprintf("Backup %s: %s", run.Status, run.Message)
	if run.Message == "" {
		subject = fmt.Sprintf("Backup %s", run.Status)
	}

	return m.send(ctx, sendRequest{
		From:    m.from,
		To:      []string{usr.Email},
		Subject: subject,
		HTML:    m.renderBody(usr, run),
	})
}

func (m *Mailer) renderBody(usr velosync.User, run velosync.BackupRun) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<h2>Backup %s</h2>", html.EscapeString(string(run.Status)))
	fmt.Fprintf(&b, "<p>Velog account: <strong>%s</strong></p>", html.EscapeString(usr.VelogUsername))
	fmt.Fprintf(&b, "<ul><li>%d posts total</li><li>%d new</li><li>%d updated</li><li>%d skipped</li><li>%d failed</li></ul>",
		run.PostsTotal, run.PostsNew, run.PostsUpdated, run.PostsSkipped, run.PostsFailed)

	if run.ErrorDetails != "" {
		lines := strings.Split(run.ErrorDetails, "\n")
		if len(lines) > maxDetailLines {
			lines = append(lines[:maxDetailLines], fmt.Sprintf("and %d more", len(lines)-maxDetailLines))
		}

		b.WriteString("<h3>Errors</h3><ul>")
		for _, line := range lines {
			fmt.Fprintf(&b, "<li>%s</li>", html.EscapeString(m.sanitizer.Sanitize(line)))
		}
		b.WriteString("</ul>")
	}

	return b.String()
}

func (m *Mailer) send(ctx context.Context, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding mail: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error building mail request: %s", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending mail: %s", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code sending mail: %d", resp.StatusCode)
	}

	return nil
}
