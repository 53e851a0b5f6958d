package notifier

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alisalti1992/sitescope-backend/config"
	jsoniter "github.com/json-iterator/go"
)

// Client triggers the post-crawl collaborators: the AI-analysis webhook and
// the email-report service. Both calls are fire-and-forget; failures are
// logged and never bubble up to the job.
type Client interface {
	TriggerAiAnalysis(jobID int64)
	TriggerEmailReport(jobID int64)
}

type HTTPClient struct {
	cfg    *config.NotifierConfig
	log    *slog.Logger
	client *http.Client
}

func NewHTTPClient(cfg *config.NotifierConfig, log *slog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (n *HTTPClient) TriggerAiAnalysis(jobID int64) {
	n.post(n.cfg.AiWebhookURL, jobID, "ai analysis")
}

func (n *HTTPClient) TriggerEmailReport(jobID int64) {
	n.post(n.cfg.EmailReportURL, jobID, "email report")
}

func (n *HTTPClient) post(url string, jobID int64, name string) {
	if url == "" {
		n.log.Debug("notifier url not configured, skipping.", slog.String("target", name))
		return
	}
	body, err := jsoniter.Marshal(map[string]int64{"job_id": jobID})
	if err != nil {
		n.log.Error("marshaling error.", slog.String("err", err.Error()))
		return
	}

	for attempt := 1; attempt <= n.cfg.RetryAttempts; attempt++ {
		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				n.log.Debug("notification delivered.", slog.String("target", name),
					slog.Int64("job_id", jobID))
				return
			}
			err = fmt.Errorf("unexpected status code %d", resp.StatusCode)
		}
		n.log.Warn("notification failed.", slog.String("target", name),
			slog.String("attempt", fmt.Sprintf("%d/%d", attempt, n.cfg.RetryAttempts)),
			slog.String("err", err.Error()))
		if attempt < n.cfg.RetryAttempts {
			time.Sleep(n.cfg.RetryDelay)
		}
	}
	n.log.Error("giving up on notification.", slog.String("target", name),
		slog.Int64("job_id", jobID))
}
