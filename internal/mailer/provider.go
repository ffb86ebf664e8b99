package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Send(ctx context.Context, c Content, recipients []Recipient) error
}

type batchRequest struct {
	Content
	Recipients []Recipient `json:"recipients"`
}

type HTTPProvider struct {
	name      string
	baseURL   string
	batchPath string
	apiKey    string
	client    *http.Client
	br        *MicroBreaker
}

func NewHTTPProvider(
	name, baseURL, batchPath, apiKey string,
	timeoutMs, failThreshold, openForMs int,
) *HTTPProvider {
	if timeoutMs <= 0 {
		timeoutMs = 10000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPProvider{
		name:      name,
		baseURL:   baseURL,
		batchPath: batchPath,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:        NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.TryAcquire() }

func (p *HTTPProvider) Send(ctx context.Context, c Content, recipients []Recipient) error {
	if err := p.post(ctx, c, recipients); err != nil {
		p.br.OnFailure()
		return err
	}

	p.br.OnSuccess()

	return nil
}

func (p *HTTPProvider) post(ctx context.Context, c Content, recipients []Recipient) error {
	b, _ := json.Marshal(batchRequest{Content: c, Recipients: recipients})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.batchPath, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("provider=%s recipients=%d status=%d", p.name, len(recipients), res.StatusCode)
	}

	return nil
}
