// Package alert posts hallucination notifications to a Slack-style webhook.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/nostalgicskinco/veritas-gateway/pkg/hub"
)

// slackMessage is the payload format for Slack incoming webhooks.
type slackMessage struct {
	Text string `json:"text"`
}

// SendHallucinationAlert posts a narrative alert for a flagged audit result.
// Runs in its own goroutine so it never blocks a dispatcher worker.
func SendHallucinationAlert(webhookURL string, r *hub.AuditResult) {
	if webhookURL == "" || r == nil {
		return
	}

	go func() {
		payload, err := json.Marshal(slackMessage{Text: buildNarrative(r)})
		if err != nil {
			log.Printf("[%s] alert marshal error: %v", r.RequestID, err)
			return
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(webhookURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.Printf("[%s] alert send error: %v", r.RequestID, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			log.Printf("[%s] alert webhook returned %d", r.RequestID, resp.StatusCode)
		}
	}()
}

// buildNarrative creates a human-readable incident report from an audit result.
func buildNarrative(r *hub.AuditResult) string {
	unsupported := 0
	for _, c := range r.Claims {
		if c.Status == "UNSUPPORTED" {
			unsupported++
		}
	}

	var msg string
	msg += "*HALLUCINATION DETECTED*\n\n"
	msg += fmt.Sprintf("*Request:* %s\n", r.RequestID)
	if r.Model != "" {
		msg += fmt.Sprintf("*Model:* %s\n", r.Model)
	}
	msg += fmt.Sprintf("*Faithfulness:* %.2f\n", r.FaithfulnessScore)
	msg += fmt.Sprintf("*Claims:* %d total, %d unsupported\n", len(r.Claims), unsupported)
	msg += fmt.Sprintf("*Time:* %s\n\n", time.Now().UTC().Format(time.RFC3339))

	msg += "*Response under audit:*\n"
	msg += truncate(r.LLMResponse, 400) + "\n\n"

	msg += "*Recommended:* Review the response against its prompt before it reaches users."

	return msg
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
