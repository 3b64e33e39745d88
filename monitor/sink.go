package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"
)

// TerminalSink logs the reports; useful when running from a shell or cron.
type TerminalSink struct {
	logger *logharbour.Logger
}

func NewTerminalSink(logger *logharbour.Logger) *TerminalSink {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &TerminalSink{logger: logger.WithModule("monitor.terminal")}
}

func (s *TerminalSink) Send(ctx context.Context, snapshot StatusSnapshot, report DetailedReport) error {
	s.logger.Info().LogActivity("Pipeline status", map[string]any{
		"snapshot": snapshot,
	})
	s.logger.Info().LogActivity("Detailed status report", map[string]any{
		"report": report,
	})
	return nil
}

// SlackWebhookSink posts the reports to a Slack incoming webhook.
type SlackWebhookSink struct {
	webhookURL string
	httpClient *http.Client
	logger     *logharbour.Logger
}

func NewSlackWebhookSink(webhookURL string, logger *logharbour.Logger) *SlackWebhookSink {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &SlackWebhookSink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.WithModule("monitor.slack"),
	}
}

func (s *SlackWebhookSink) Send(ctx context.Context, snapshot StatusSnapshot, report DetailedReport) error {
	snapshotJSON, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	message := map[string]string{
		"text": fmt.Sprintf("*Pipeline status*\n```%s```\n*Detailed report*\n```%s```",
			snapshotJSON, reportJSON),
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	s.logger.Debug0().LogActivity("Posted status to webhook", nil)
	return nil
}
