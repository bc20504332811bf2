package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AckHeader carries the backend's receipt id on a successful upload.
const AckHeader = "X-Ack-Id"

// HTTPLinkOptions configures NewHTTPLink.
type HTTPLinkOptions struct {
	Endpoint string
	// OAuth2 client credentials; blank TokenURL disables auth.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Client is the base HTTP client; nil uses a client with Timeout.
	Client  *http.Client
	Timeout time.Duration
	// SignalFunc reports modem quality when the uplink sits behind one.
	SignalFunc func() (int, bool)
	// Header is added to every upload.
	Header http.Header
}

// HTTPLink uploads frames to the backend uplink, the path cellular data and
// satellite gateways take.
type HTTPLink struct {
	opts HTTPLinkOptions

	mu     sync.Mutex
	client *http.Client
}

// NewHTTPLink builds an uplink.
func NewHTTPLink(opts HTTPLinkOptions) *HTTPLink {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPLink{opts: opts}
}

// Open builds the authenticated client. The token is fetched lazily on the
// first upload.
func (l *HTTPLink) Open(ctx context.Context) error {
	if l.opts.Endpoint == "" {
		return errors.New("http: no endpoint")
	}
	base := l.opts.Client
	if base == nil {
		base = &http.Client{Timeout: l.opts.Timeout}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opts.TokenURL == "" {
		l.client = base
		return nil
	}
	cc := clientcredentials.Config{
		ClientID:     l.opts.ClientID,
		ClientSecret: l.opts.ClientSecret,
		TokenURL:     l.opts.TokenURL,
		Scopes:       l.opts.Scopes,
	}
	l.client = cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
	return nil
}

func (l *HTTPLink) Transmit(ctx context.Context, frame []byte) (string, error) {
	l.mu.Lock()
	client := l.client
	l.mu.Unlock()
	if client == nil {
		return "", ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.opts.Endpoint, bytes.NewReader(frame))
	if err != nil {
		return "", fmt.Errorf("http: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, vs := range l.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http: post: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Header.Get(AckHeader), nil
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return "", fmt.Errorf("%w: %s", ErrPayloadRejected, body)
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout,
		resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("http: uplink unavailable: %s", resp.Status)
	default:
		return "", fmt.Errorf("%w: %s: %s", ErrNoAck, resp.Status, bytes.TrimSpace(body))
	}
}

func (l *HTTPLink) Signal() (int, bool) {
	if l.opts.SignalFunc == nil {
		return 0, false
	}
	return l.opts.SignalFunc()
}

func (l *HTTPLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		l.client.CloseIdleConnections()
	}
	l.client = nil
	return nil
}
