package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Provider obtains the session identity from the server once and keeps it
// in a session file so restarts within one session reuse it.
type Provider struct {
	serverURL   string
	sessionFile string
	httpClient  *http.Client

	mu      sync.Mutex
	current *Identity
}

type ProviderOption func(*Provider)

// WithHTTPClient replaces the default client, e.g. to trust a self-signed
// server certificate.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = c
	}
}

func NewProvider(serverURL, sessionFile string, opts ...ProviderOption) *Provider {
	p := &Provider{
		serverURL:   strings.TrimSuffix(serverURL, "/"),
		sessionFile: sessionFile,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the identity if one was already obtained.
func (p *Provider) Current() (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Identity{}, false
	}
	return *p.current, true
}

func (p *Provider) EnsureSessionIdentity(ctx context.Context) (Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil {
		return *p.current, nil
	}

	if id, err := p.load(); err == nil {
		p.current = &id
		return id, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Identity{}, err
	}

	id, err := p.request(ctx)
	if err != nil {
		return Identity{}, err
	}
	if err := p.save(id); err != nil {
		return Identity{}, err
	}
	p.current = &id
	return id, nil
}

func (p *Provider) request(ctx context.Context) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/api/session", nil)
	if err != nil {
		return Identity{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("request session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("request session: unexpected status %d", resp.StatusCode)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode session: %w", err)
	}
	if id.SessionID == "" || id.Token == "" {
		return Identity{}, errors.New("decode session: empty identity")
	}
	return id, nil
}

func (p *Provider) load() (Identity, error) {
	if p.sessionFile == "" {
		return Identity{}, fs.ErrNotExist
	}
	data, err := os.ReadFile(p.sessionFile)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.SessionID == "" || id.Token == "" {
		// A corrupt file is replaced by a fresh identity.
		return Identity{}, fs.ErrNotExist
	}
	return id, nil
}

func (p *Provider) save(id Identity) error {
	if p.sessionFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.sessionFile), 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.sessionFile, data, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}
