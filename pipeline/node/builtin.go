package node

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dazflow/dazflow/errors"
	"github.com/dazflow/dazflow/internal/httpclient"
)

// Built-in handlers. Versions are bumped whenever a handler's observable
// behavior changes; downstream states regenerate automatically.

// RegisterBuiltins registers the built-in node handlers on a registry.
func RegisterBuiltins(registry *Registry) {
	registry.Register("template", &TemplateHandler{})
	registry.Register("passthrough", &PassthroughHandler{})
	registry.Register("http", NewHTTPHandler(nil))
}

// TemplateHandler renders the node's "template" data field. All {{...}}
// expressions were already evaluated against the execution context by the
// stage executor, so by the time this runs the template is plain text.
type TemplateHandler struct{}

func (h *TemplateHandler) Version() string { return "template/v1" }

func (h *TemplateHandler) Execute(_ context.Context, data map[string]any, _ map[string]any) (any, error) {
	template, ok := data["template"].(string)
	if !ok {
		return nil, errors.Wrap(errors.ErrExecution, "template node requires a string 'template' field")
	}
	return template, nil
}

// PassthroughHandler copies the input stage's content unchanged. Useful for
// snapshotting a source into the managed state tree.
type PassthroughHandler struct{}

func (h *PassthroughHandler) Version() string { return "passthrough/v1" }

func (h *PassthroughHandler) Execute(_ context.Context, data map[string]any, contextData map[string]any) (any, error) {
	input, ok := data["input"].(string)
	if !ok {
		return nil, errors.Wrap(errors.ErrExecution, "passthrough node requires an 'input' field naming the upstream stage")
	}
	upstream, ok := contextData[input].(map[string]any)
	if !ok {
		return nil, errors.Wrapf(errors.ErrExecution, "no input content for stage %q", input)
	}
	return upstream["content"], nil
}

// HTTPHandler fetches a URL and returns the response body. URLs often come
// from entity-derived template values, so fetches go through the guarded
// client: private and loopback addresses are refused.
type HTTPHandler struct {
	client *httpclient.Client
}

// NewHTTPHandler creates an HTTP fetch handler. A nil client gets a guarded
// default with a 30 second timeout.
func NewHTTPHandler(client *httpclient.Client) *HTTPHandler {
	if client == nil {
		client = httpclient.New(30 * time.Second)
	}
	return &HTTPHandler{client: client}
}

func (h *HTTPHandler) Version() string { return "http/v1" }

func (h *HTTPHandler) Execute(ctx context.Context, data map[string]any, _ map[string]any) (any, error) {
	url, ok := data["url"].(string)
	if !ok || url == "" {
		return nil, errors.Wrap(errors.ErrExecution, "http node requires a 'url' field")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExecution, "building request for %s: %v", url, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExecution, "fetching %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Wrapf(errors.ErrExecution, "fetching %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExecution, "reading response from %s: %v", url, err)
	}
	return body, nil
}
