// Package notify sends completion SMS notifications via Twilio, adapted
// from the original's src/ace/notifications/twilio_client.py TwilioNotifier.
// Disabled by default; a no-op unless TWILIO_ENABLED and credentials are set.
package notify

import (
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/aceteam/ace-orchestrator/internal/config"
)

// Notifier sends completion SMS messages. The zero value (enabled=false) is
// always a safe no-op, matching the original's disabled-by-default posture.
type Notifier struct {
	enabled  bool
	client   *twilio.RestClient
	from, to string
}

// New constructs a Notifier from Config. Returns a disabled Notifier unless
// TwilioEnabled and all of account SID/auth token/from/to are set.
func New(cfg config.Config) *Notifier {
	if !cfg.TwilioEnabled || cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" ||
		cfg.TwilioFromNumber == "" || cfg.TwilioToNumber == "" {
		return &Notifier{enabled: false}
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	return &Notifier{enabled: true, client: client, from: cfg.TwilioFromNumber, to: cfg.TwilioToNumber}
}

// NotifyCompletion sends a one-line SMS summary for a Completed terminal
// status. This spec never has the orchestrator open a pull request itself
// (ACE_TASK.md's Completion Protocol defers that to the manager), so the
// message references the pushed branch instead of a PR URL, unlike the
// original's send_pr_notification.
func (n *Notifier) NotifyCompletion(repo string, number int, title, branch, summary string) {
	if !n.enabled {
		return
	}
	body := fmt.Sprintf("[ace] %s#%d %q done on %s: %s", repo, number, title, branch, summary)
	params := &twilioapi.CreateMessageParams{}
	params.SetFrom(n.from)
	params.SetTo(n.to)
	params.SetBody(body)
	if _, err := n.client.Api.CreateMessage(params); err != nil {
		slog.Warn("notify: twilio send failed", slog.Any("error", err))
	}
}
