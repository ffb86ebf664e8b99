package mailer

import (
	"context"
	"fmt"
	"sync/atomic"
)

var (
	ErrNoHealthy = fmt.Errorf("no healthy mail providers")
	ErrNoAcquire = fmt.Errorf("mail provider not acquired")
)

// Recipient is one addressee of a batch. UUID/Name may be empty for test
// sends to addresses that are not members.
type Recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	UUID  string `json:"uuid,omitempty"`
}

// Content is the rendered payload handed to the transport. Bulk batches may
// still carry {name}-style placeholders; substitution for those is delegated
// to the provider's per-recipient variable support.
type Content struct {
	Subject    string `json:"subject"`
	HTML       string `json:"html"`
	Plaintext  string `json:"plaintext"`
	From       string `json:"from"`
	ReplyTo    string `json:"reply_to,omitempty"`
	TrackOpens bool   `json:"track_opens"`
}

// BatchFailure is the transport's typed failure signal. The underlying
// provider error is reachable via Unwrap.
type BatchFailure struct {
	Provider string
	Err      error
}

func (f *BatchFailure) Error() string {
	return fmt.Sprintf("batch send via %s failed: %v", f.Provider, f.Err)
}

func (f *BatchFailure) Unwrap() error { return f.Err }

// Client is the outbound bulk-mail transport.
type Client interface {
	BatchSize() int
	SendBatch(ctx context.Context, c Content, recipients []Recipient) error
}

// HTTPClient round-robins batches over healthy providers, retrying up to
// maxAttempts before reporting a BatchFailure.
type HTTPClient struct {
	providers         []Provider
	roundRobinCounter atomic.Uint64
	batchSize         int
	maxAttempts       int
}

func NewHTTPClient(provs []Provider, batchSize, maxAttempts int) *HTTPClient {
	if batchSize < 1 {
		batchSize = 1000
	}
	if maxAttempts < 1 {
		maxAttempts = 2
	}
	return &HTTPClient{providers: provs, batchSize: batchSize, maxAttempts: maxAttempts}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) BatchSize() int { return c.batchSize }

func (c *HTTPClient) selectProvider() (Provider, error) {
	healthy := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Ready() {
			healthy = append(healthy, p)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := c.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

func (c *HTTPClient) tryOnce(ctx context.Context, content Content, recipients []Recipient) (string, error) {
	p, err := c.selectProvider()
	if err != nil {
		return "", err
	}

	if !p.Acquire() {
		return p.Name(), ErrNoAcquire
	}

	return p.Name(), p.Send(ctx, content, recipients)
}

func (c *HTTPClient) SendBatch(ctx context.Context, content Content, recipients []Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	var last error
	name := ""
	for i := 0; i < c.maxAttempts; i++ {
		n, err := c.tryOnce(ctx, content, recipients)
		if err == nil {
			return nil
		}
		name, last = n, err
	}

	if last == nil {
		last = fmt.Errorf("batch send failed")
	}

	return &BatchFailure{Provider: name, Err: last}
}
