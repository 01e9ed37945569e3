// Package notify reports run failures to an operator channel.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Failure is what gets reported.
type Failure struct {
	RunID        string
	UserID       string
	WorkflowSlug string
	Endpoint     string
	Code         string
	Message      string
}

// Notifier sends failure reports. Callers run it in the background and
// only log its errors.
type Notifier interface {
	Notify(ctx context.Context, f Failure) error
}

// Nop discards every report.
type Nop struct{}

func (Nop) Notify(context.Context, Failure) error { return nil }

// Discord posts to a Discord webhook.
type Discord struct {
	url  string
	http *resty.Client
}

// discordMaxContent is Discord's message length limit.
const discordMaxContent = 2000

func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	return &Discord{
		url:  webhookURL,
		http: resty.New().SetTimeout(timeout).SetRetryCount(0),
	}
}

func (d *Discord) Notify(ctx context.Context, f Failure) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**Run failed** `%s`\n", f.Code)
	fmt.Fprintf(&b, "endpoint: `%s`\nuser: `%s`\nworkflow: `%s`\n", f.Endpoint, f.UserID, f.WorkflowSlug)
	if f.RunID != "" {
		fmt.Fprintf(&b, "run: `%s`\n", f.RunID)
	}
	fmt.Fprintf(&b, "```%s```", f.Message)
	content := b.String()
	if len(content) > discordMaxContent {
		content = content[:discordMaxContent-3] + "```"
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": content}).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// Logged wraps a notifier so every report is also logged.
type Logged struct {
	Next Notifier
	Log  zerolog.Logger
}

func (l Logged) Notify(ctx context.Context, f Failure) error {
	l.Log.Warn().
		Str("run_id", f.RunID).
		Str("user_id", f.UserID).
		Str("workflow", f.WorkflowSlug).
		Str("endpoint", f.Endpoint).
		Str("code", f.Code).
		Str("error", f.Message).
		Msg("run failure")
	if l.Next == nil {
		return nil
	}
	return l.Next.Notify(ctx, f)
}
