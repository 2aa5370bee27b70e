// Package gateway normalizes requests and responses across heterogeneous
// AI-provider wire formats. One Format strategy per provider shape; the
// gateway itself only owns credential resolution, the HTTP call, and the
// fixed per-call timeout.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohans/genpipe/catalog"
)

// DefaultTimeout is the only built-in timeout; there is no automatic
// cross-provider failover here, a failed call surfaces to the caller.
const DefaultTimeout = 60 * time.Second

// InputImage is one reference image, either by URL or inline.
type InputImage struct {
	URL  string
	Data []byte
	MIME string
}

// Request is the normalized generation request handed to a Format.
type Request struct {
	Prompt string
	Images []InputImage
	Params map[string]string
}

// GeneratedImage is one artifact extracted from a provider response. Either
// Data or URL is set, never both.
type GeneratedImage struct {
	Data []byte
	MIME string
	URL  string
}

// NormalizedResult is the provider-independent response shape. Images may be
// empty when the response carried no recognizable artifact.
type NormalizedResult struct {
	Images []GeneratedImage
	Text   string
}

// GatewayError wraps any upstream failure: transport, non-2xx, or a body the
// format could not parse.
type GatewayError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: %s/%s returned %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway: %s/%s: %s", e.Provider, e.Model, e.Message)
}

// Format builds and parses one provider wire shape. Implementations own the
// full HTTP request construction including auth placement.
type Format interface {
	Name() string
	BuildRequest(ctx context.Context, model *catalog.ModelRecord, req Request, apiKey string) (*http.Request, error)
	ParseResponse(body []byte) (*NormalizedResult, error)
}

type Options struct {
	Timeout time.Duration // default DefaultTimeout
	Logger  *slog.Logger
}

// Gateway dispatches to a Format by the model record's api_format field.
type Gateway struct {
	http    *http.Client
	creds   Resolver
	formats map[string]Format
	log     *slog.Logger
}

func New(creds Resolver, opts Options) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		http:    &http.Client{Timeout: timeout},
		creds:   creds,
		formats: map[string]Format{},
		log:     logger,
	}
	g.Register(NewChatFormat())
	g.Register(NewPartsFormat())
	return g
}

// Register adds or replaces a wire-format strategy.
func (g *Gateway) Register(f Format) {
	g.formats[f.Name()] = f
}

// Invoke calls the model and returns the normalized result. Every failure is
// a *GatewayError except credential resolution, which is its own hard error.
func (g *Gateway) Invoke(ctx context.Context, model *catalog.ModelRecord, req Request) (*NormalizedResult, error) {
	format, ok := g.formats[model.APIFormat]
	if !ok {
		return nil, &GatewayError{Provider: model.Provider, Model: model.ID,
			Message: fmt.Sprintf("unsupported api format %q", model.APIFormat)}
	}
	key, err := g.creds.Resolve(model.APIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for model %s: %w", model.ID, err)
	}
	httpReq, err := format.BuildRequest(ctx, model, req, key)
	if err != nil {
		return nil, &GatewayError{Provider: model.Provider, Model: model.ID, Message: err.Error()}
	}
	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, &GatewayError{Provider: model.Provider, Model: model.ID, Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Provider: model.Provider, Model: model.ID, Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{Provider: model.Provider, Model: model.ID,
			StatusCode: resp.StatusCode, Message: truncate(string(body), 512)}
	}
	result, err := format.ParseResponse(body)
	if err != nil {
		return nil, &GatewayError{Provider: model.Provider, Model: model.ID, Message: err.Error()}
	}
	g.log.Debug("gateway call ok", "model", model.ID, "format", format.Name(), "images", len(result.Images))
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
