package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"tickerpulse/internal/domain/forum"
)

// Sender delivers one text message to a chat
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatID int64, text string) error
}

// RunNotifier posts pull-run summaries to a chat. Successful runs are
// skipped unless notifySuccess is set.
type RunNotifier struct {
	sender        Sender
	chatID        int64
	notifySuccess bool
}

// NewRunNotifier creates a notifier for one chat
func NewRunNotifier(sender Sender, chatID int64, notifySuccess bool) *RunNotifier {
	return &RunNotifier{sender: sender, chatID: chatID, notifySuccess: notifySuccess}
}

// PublishRun sends the summary of a finished run
func (n *RunNotifier) PublishRun(ctx context.Context, run forum.PullRun) error {
	if run.Status == forum.RunSuccess && !n.notifySuccess {
		return nil
	}
	return n.sender.SendMessageWithContext(ctx, n.chatID, FormatRun(run))
}

// FormatRun renders a run summary as plain text
func FormatRun(run forum.PullRun) string {
	var b strings.Builder

	icon := "✅"
	switch run.Status {
	case forum.RunPartial:
		icon = "⚠️"
	case forum.RunFailed:
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s r/%s pull %s\n", icon, run.Subreddit, run.Status)
	fmt.Fprintf(&b, "submissions %s, comments %s, mentions %s\n",
		humanize.Comma(int64(run.Submissions)),
		humanize.Comma(int64(run.Comments)),
		humanize.Comma(int64(run.Mentions)),
	)

	if tokens := run.PromptTokens + run.OutputTokens; tokens > 0 {
		fmt.Fprintf(&b, "llm %s tokens, $%s\n", humanize.Comma(tokens), run.LLMCost.StringFixed(4))
	}
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "took %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Warning != nil {
		fmt.Fprintf(&b, "%s\n", *run.Warning)
	}
	if run.Error != nil {
		fmt.Fprintf(&b, "error: %s\n", truncate(*run.Error, 500))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
