// Package exxa provides a batch backend for the Exxa API, where requests are
// registered one by one and then grouped into a batch.
package exxa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"

	"github.com/germanamz/batchman/pkg/chats/content"
	"github.com/germanamz/batchman/pkg/chats/role"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/jsonfile"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/request"
	"github.com/germanamz/batchman/pkg/result"
)

const (
	// Name is the registry name of the backend.
	Name = "exxa"
	// DefaultBaseURL is written into the config when it has no URL.
	DefaultBaseURL = "https://api.withexxa.com/v1"
)

var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider for Exxa.
type Provider struct {
	provider.Base

	cfg configstore.Config
	log *slog.Logger
}

// New creates a Provider from cfg, or from EXXA_API_KEY / EXXA_BASE_URL when
// cfg is nil. The default base URL becomes part of the config, and so of its
// hash.
func New(cfg *configstore.Config, log *slog.Logger) *Provider {
	c := provider.ResolveConfig(Name, cfg)
	if c.URL == "" {
		c.URL = DefaultBaseURL
	}

	p := &Provider{cfg: c, log: provider.Logger(log)}
	p.BaseURL = strings.TrimRight(c.URL, "/")
	p.Auth = provider.Auth{Key: c.APIKey, Header: "X-API-Key"}

	return p
}

// Factory adapts New to provider.Factory.
func Factory(cfg *configstore.Config, log *slog.Logger) (provider.Provider, error) {
	return New(cfg, log), nil
}

// Loader registers the backend during discovery.
func Loader() (string, provider.Factory, error) {
	return Name, Factory, nil
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Config() configstore.Config { return p.cfg.Clone() }

// --- wire types ---

type apiRequest struct {
	Metadata    map[string]any `json:"metadata"`
	RequestBody apiRequestBody `json:"request_body"`
}

type apiRequestBody struct {
	Messages    []apiMessage `json:"messages"`
	Model       string       `json:"model"`
	Temperature *float64     `json:"temperature,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string          `json:"role"`
	Content content.Content `json:"content"`
}

type apiCreateBatch struct {
	RequestsIDs []string `json:"requests_ids"`
}

type apiBatch struct {
	ID     any    `json:"id"`
	Status string `json:"status"`
}

type apiResultLine struct {
	Metadata struct {
		CustomID string `json:"custom_id"`
	} `json:"metadata"`
	ResultBody *struct {
		Choices []result.Choice `json:"choices"`
		Usage   map[string]any  `json:"usage"`
		Model   string          `json:"model"`
	} `json:"result_body"`
	Error json.RawMessage `json:"error"`
}

// ValidateRequest reports every missing field at once.
func (p *Provider) ValidateRequest(_ context.Context, req request.Request) error {
	var errs []error

	if req.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if req.CustomID == "" {
		errs = append(errs, errors.New("custom_id is required"))
	}
	if len(req.Messages) == 0 {
		errs = append(errs, errors.New("messages cannot be empty"))
	}

	return errors.Join(errs...)
}

func prepareRequest(r request.Request) apiRequest {
	// custom_id is how results are correlated, so it wins over user metadata.
	md := make(map[string]any, len(r.Metadata)+1)
	maps.Copy(md, r.Metadata)
	md["custom_id"] = r.CustomID

	msgs := make([]apiMessage, 0, len(r.Messages)+1)
	if r.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: role.System.String(), Content: content.String(r.SystemPrompt)})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, apiMessage{Role: m.Role.String(), Content: m.Content})
	}

	return apiRequest{
		Metadata: md,
		RequestBody: apiRequestBody{
			Messages:    msgs,
			Model:       r.Model,
			Temperature: r.Temperature,
			TopP:        r.TopP,
			MaxTokens:   r.MaxTokens,
		},
	}
}

// UploadBatch registers every request, then creates a batch from the
// returned ids. The batch must come back registered.
func (p *Provider) UploadBatch(ctx context.Context, b provider.Batch) (string, error) {
	reqs, err := b.Requests()
	if err != nil {
		return "", err
	}

	lines := make([]json.RawMessage, 0, len(reqs))
	ids := make([]string, 0, len(reqs))

	for _, r := range reqs {
		prepared := prepareRequest(r)

		line, err := json.Marshal(prepared)
		if err != nil {
			return "", fmt.Errorf("exxa: marshal %s: %w", r.CustomID, err)
		}
		lines = append(lines, line)

		var created struct {
			ID string `json:"id"`
		}
		if err := p.PostJSON(ctx, "/requests", prepared, &created); err != nil {
			return "", provider.Wrap(Name, "upload request "+r.CustomID, err)
		}
		if created.ID == "" {
			return "", provider.Wrap(Name, "upload request "+r.CustomID, errors.New("no request id returned"))
		}

		ids = append(ids, created.ID)
	}

	p.log.DebugContext(ctx, "requests registered", "count", len(ids))

	var raw json.RawMessage
	if err := p.PostJSON(ctx, "/batches", apiCreateBatch{RequestsIDs: ids}, &raw); err != nil {
		return "", provider.Wrap(Name, "create batch", err)
	}

	var batch apiBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return "", provider.Wrap(Name, "create batch", err)
	}

	id, ok := batch.ID.(string)
	if batch.Status != "registered" || !ok || id == "" {
		return "", provider.Wrap(Name, "create batch", fmt.Errorf("unexpected response: %s", raw))
	}

	if err := b.SaveRemoteRequests(lines); err != nil {
		return "", err
	}

	if err := b.AppendRemoteState(raw); err != nil {
		return "", err
	}

	return id, nil
}

func (p *Provider) getBatch(ctx context.Context, id string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := p.GetJSON(ctx, "/batches/"+id, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// CancelBatch requests cancellation. When the response is not a batch
// object, the state is fetched separately.
func (p *Provider) CancelBatch(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	req, err := p.NewRequest(ctx, http.MethodPost, "/batches/"+id+"/cancel", nil)
	if err != nil {
		return provider.Wrap(Name, "cancel", err)
	}

	raw, err := p.SendRaw(req)
	if err != nil {
		return provider.Wrap(Name, "cancel", err)
	}

	var batch apiBatch
	if err := json.Unmarshal(raw, &batch); err != nil || batch.Status == "" {
		raw, err = p.getBatch(ctx, id)
		if err != nil {
			return provider.Wrap(Name, "cancel", err)
		}
	}

	return b.AppendRemoteState(raw)
}

// SyncBatch records the current remote state.
func (p *Provider) SyncBatch(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	raw, err := p.getBatch(ctx, id)
	if err != nil {
		return provider.Wrap(Name, "sync", err)
	}

	return b.AppendRemoteState(raw)
}

// DownloadBatchResults saves the JSONL results of the batch.
func (p *Provider) DownloadBatchResults(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	body, err := p.GetRaw(ctx, "/batches/"+id+"/results")
	if err != nil {
		return provider.Wrap(Name, "download", err)
	}

	records, err := jsonfile.SplitLines(body)
	if err != nil {
		return provider.Wrap(Name, "download", err)
	}

	return b.SaveRemoteResults(records)
}

// ConvertBatchStatus maps the Exxa status vocabulary.
func (p *Provider) ConvertBatchStatus(state json.RawMessage) (lifecycle.Status, error) {
	var batch apiBatch
	if err := json.Unmarshal(state, &batch); err != nil {
		return "", fmt.Errorf("exxa: parse state: %w", err)
	}

	switch batch.Status {
	case "registered":
		return lifecycle.Registered, nil
	case "in_progress":
		return lifecycle.InProgress, nil
	case "completed":
		return lifecycle.Completed, nil
	case "cancelled":
		return lifecycle.Cancelled, nil
	case "failed":
		return lifecycle.Failed, nil
	default:
		return "", provider.UnknownStatus(Name, batch.Status)
	}
}

// ConvertBatchResult maps one results line.
func (p *Provider) ConvertBatchResult(record json.RawMessage) (result.Result, error) {
	var line apiResultLine
	if err := json.Unmarshal(record, &line); err != nil {
		return result.Result{}, fmt.Errorf("exxa: parse result: %w", err)
	}

	customID := line.Metadata.CustomID
	errText := errorText(line.Error)

	if line.ResultBody == nil {
		if errText == "" {
			errText = "no result body"
		}
		return result.Errored(customID, errText), nil
	}

	choices := line.ResultBody.Choices
	if choices == nil {
		choices = []result.Choice{}
	}

	return result.Result{
		CustomID: customID,
		Choices:  choices,
		Model:    line.ResultBody.Model,
		Usage:    line.ResultBody.Usage,
		Error:    errText,
	}, nil
}

// errorText returns a string error as is, anything else as compact JSON,
// and "" for an absent or null error.
func errorText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}

	return buf.String()
}
