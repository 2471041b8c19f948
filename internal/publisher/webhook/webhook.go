// Package webhook is a generic publisher adapter that forwards content
// to an external integration endpoint over HTTP. It exists so platforms
// whose APIs are handled out of process (Zapier-style bridges, internal
// relays) can still plug into the registry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/you/pubq/internal/domain"
)

type Publisher struct {
	url    string
	client *http.Client
}

func New(url string) *Publisher {
	return &Publisher{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type request struct {
	ContentID    string `json:"contentId"`
	ProjectID    string `json:"projectId"`
	PlatformID   string `json:"platformId"`
	PlatformType string `json:"platformType"`
}

type response struct {
	URL string `json:"url"`
}

// Publish posts the content reference to the endpoint. Any transport or
// HTTP-level failure comes back as a failed result, per the registry
// contract.
func (p *Publisher) Publish(ctx context.Context, content domain.Content, target domain.PlatformTarget) domain.PublishResult {
	body, err := json.Marshal(request{
		ContentID:    content.ID,
		ProjectID:    content.ProjectID,
		PlatformID:   target.PlatformID,
		PlatformType: string(target.Type),
	})
	if err != nil {
		return fail(target, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fail(target, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(target, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(target, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	}

	var out response
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &out)

	return domain.PublishResult{
		PlatformID:   target.PlatformID,
		PlatformType: target.Type,
		Success:      true,
		PublishedURL: out.URL,
	}
}

func fail(target domain.PlatformTarget, msg string) domain.PublishResult {
	return domain.PublishResult{
		PlatformID:   target.PlatformID,
		PlatformType: target.Type,
		Success:      false,
		Error:        msg,
	}
}
