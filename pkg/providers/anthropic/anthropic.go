// Package anthropic provides a batch backend for the Anthropic Message
// Batches API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/germanamz/batchman/pkg/chats/content"
	"github.com/germanamz/batchman/pkg/chats/message"
	"github.com/germanamz/batchman/pkg/configstore"
	"github.com/germanamz/batchman/pkg/jsonfile"
	"github.com/germanamz/batchman/pkg/lifecycle"
	"github.com/germanamz/batchman/pkg/provider"
	"github.com/germanamz/batchman/pkg/request"
	"github.com/germanamz/batchman/pkg/result"
)

const (
	// Name is the registry name of the backend.
	Name = "anthropic"
	// DefaultBaseURL is used when the config has no URL.
	DefaultBaseURL = "https://api.anthropic.com"
	// APIVersion is sent as the anthropic-version header.
	APIVersion = "2023-06-01"
	// MaxTokensLimit is the largest max_tokens a request may ask for.
	MaxTokensLimit = 200000

	batchesPath = "/v1/messages/batches"
)

var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider for Anthropic.
type Provider struct {
	provider.Base

	cfg configstore.Config
	log *slog.Logger

	mu      sync.Mutex
	models  map[string]bool
	aliases map[string]bool
}

// New creates a Provider from cfg, or from ANTHROPIC_API_KEY /
// ANTHROPIC_BASE_URL when cfg is nil.
func New(cfg *configstore.Config, log *slog.Logger) *Provider {
	c := provider.ResolveConfig(Name, cfg)

	baseURL := strings.TrimSuffix(strings.TrimRight(c.URL, "/"), "/v1")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{cfg: c, log: provider.Logger(log)}
	p.BaseURL = baseURL
	p.Auth = provider.Auth{Key: c.APIKey, Header: "x-api-key"}
	p.Headers = map[string]string{"anthropic-version": APIVersion}
	p.HeaderParser = provider.ParseAnthropicRateLimitHeaders

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

// --- request types ---

type apiBatchRequest struct {
	CustomID string    `json:"custom_id"`
	Params   apiParams `json:"params"`
}

type apiParams struct {
	Model         string       `json:"model"`
	Messages      []apiMessage `json:"messages"`
	System        string       `json:"system,omitempty"`
	MaxTokens     int          `json:"max_tokens"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Metadata      *apiMetadata `json:"metadata,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiContent struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *apiImageSource `json:"source,omitempty"`
}

type apiImageSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

type apiMetadata struct {
	UserID string `json:"user_id"`
}

type apiCreateBatch struct {
	Requests []apiBatchRequest `json:"requests"`
}

// --- response types ---

type apiBatch struct {
	ID               string           `json:"id"`
	ProcessingStatus string           `json:"processing_status"`
	RequestCounts    apiRequestCounts `json:"request_counts"`
}

type apiRequestCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
	Expired    int `json:"expired"`
}

type apiModelPage struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
	HasMore bool   `json:"has_more"`
	LastID  string `json:"last_id"`
}

type apiResultLine struct {
	CustomID string    `json:"custom_id"`
	Result   apiResult `json:"result"`
}

type apiResult struct {
	Type    string          `json:"type"`
	Message *apiMessageResp `json:"message"`
	Error   json.RawMessage `json:"error"`
}

type apiMessageResp struct {
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Content    []apiContent   `json:"content"`
	Usage      map[string]any `json:"usage"`
}

// --- validation ---

// datedSuffixLen is the length of the YYYYMMDD suffix on dated model ids.
const datedSuffixLen = 8

// latestAlias returns the "-latest" alias of a dated model id such as
// claude-3-5-sonnet-20241022, or "" for an undated id.
func latestAlias(id string) string {
	if len(id) <= datedSuffixLen {
		return ""
	}

	suffix := id[len(id)-datedSuffixLen:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return ""
		}
	}

	return id[:len(id)-datedSuffixLen] + "latest"
}

func (p *Provider) availableModels(ctx context.Context) (map[string]bool, map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.models != nil {
		return p.models, p.aliases, nil
	}

	models := make(map[string]bool)
	aliases := make(map[string]bool)

	q := url.Values{"limit": {"1000"}}
	for {
		var page apiModelPage
		if err := p.GetJSON(ctx, "/v1/models?"+q.Encode(), &page); err != nil {
			return nil, nil, provider.Wrap(Name, "list models", err)
		}

		for _, m := range page.Data {
			models[m.ID] = true
			if alias := latestAlias(m.ID); alias != "" {
				aliases[alias] = true
			}
		}

		if !page.HasMore || page.LastID == "" {
			break
		}
		q.Set("after_id", page.LastID)
	}

	p.models, p.aliases = models, aliases

	return models, aliases, nil
}

// ValidateRequest requires a listed model (or its -latest alias) and a
// max_tokens within Anthropic's limit.
func (p *Provider) ValidateRequest(ctx context.Context, req request.Request) error {
	models, aliases, err := p.availableModels(ctx)
	if err != nil {
		return err
	}

	if !models[req.Model] && !aliases[req.Model] {
		return fmt.Errorf("invalid model %q for Anthropic, expected one of %s (or an alias: %s)",
			req.Model, sortedKeys(models), sortedKeys(aliases))
	}

	if req.MaxTokens == nil || *req.MaxTokens <= 0 {
		return errors.New("max_tokens is required")
	}

	if *req.MaxTokens > MaxTokensLimit {
		return fmt.Errorf("max_tokens %d exceeds Anthropic's limit of %d", *req.MaxTokens, MaxTokensLimit)
	}

	return nil
}

func sortedKeys(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return strings.Join(keys, ", ")
}

// --- conversion helpers ---

func imageSource(u string) *apiImageSource {
	// data:<media type>;base64,<data>
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		if meta, data, ok := strings.Cut(rest, ","); ok {
			if mediaType, ok := strings.CutSuffix(meta, ";base64"); ok {
				return &apiImageSource{Type: "base64", MediaType: mediaType, Data: data}
			}
		}
	}

	return &apiImageSource{Type: "url", URL: u}
}

func wireContent(c content.Content) any {
	if !c.IsMultipart() {
		return c.Text
	}

	blocks := make([]apiContent, 0, len(c.Parts))
	for _, part := range c.Parts {
		switch v := part.(type) {
		case content.Text:
			blocks = append(blocks, apiContent{Type: "text", Text: v.Text})
		case content.Image:
			blocks = append(blocks, apiContent{Type: "image", Source: imageSource(v.URL)})
		}
	}

	return blocks
}

func (p *Provider) prepareRequest(ctx context.Context, r request.Request) apiBatchRequest {
	if r.FrequencyPenalty != nil || r.PresencePenalty != nil || r.N != nil {
		p.log.WarnContext(ctx, "anthropic ignores frequency_penalty, presence_penalty and n", "custom_id", r.CustomID)
	}

	msgs := make([]apiMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, apiMessage{Role: m.Role.String(), Content: wireContent(m.Content)})
	}

	params := apiParams{
		Model:         r.Model,
		Messages:      msgs,
		System:        r.SystemPrompt,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		StopSequences: r.Stop,
	}
	if r.MaxTokens != nil {
		params.MaxTokens = *r.MaxTokens
	}
	if uid, ok := r.Metadata["user_id"].(string); ok && uid != "" {
		params.Metadata = &apiMetadata{UserID: uid}
	}

	return apiBatchRequest{CustomID: r.CustomID, Params: params}
}

// --- remote operations ---

// UploadBatch creates the message batch in a single call.
func (p *Provider) UploadBatch(ctx context.Context, b provider.Batch) (string, error) {
	reqs, err := b.Requests()
	if err != nil {
		return "", err
	}

	prepared := make([]apiBatchRequest, 0, len(reqs))
	lines := make([]json.RawMessage, 0, len(reqs))
	for _, r := range reqs {
		pr := p.prepareRequest(ctx, r)

		line, err := json.Marshal(pr)
		if err != nil {
			return "", fmt.Errorf("anthropic: marshal %s: %w", r.CustomID, err)
		}

		prepared = append(prepared, pr)
		lines = append(lines, line)
	}

	var raw json.RawMessage
	if err := p.PostJSON(ctx, batchesPath, apiCreateBatch{Requests: prepared}, &raw); err != nil {
		return "", provider.Wrap(Name, "create batch", err)
	}

	var batch apiBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return "", provider.Wrap(Name, "create batch", err)
	}

	if err := b.SaveRemoteRequests(lines); err != nil {
		return "", err
	}

	if err := b.AppendRemoteState(raw); err != nil {
		return "", err
	}
	p.LogRateLimit(ctx, p.log)

	return batch.ID, nil
}

// CancelBatch requests cancellation and records the returned state.
func (p *Provider) CancelBatch(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	req, err := p.NewRequest(ctx, http.MethodPost, batchesPath+"/"+id+"/cancel", nil)
	if err != nil {
		return provider.Wrap(Name, "cancel", err)
	}

	raw, err := p.SendRaw(req)
	if err != nil {
		return provider.Wrap(Name, "cancel", err)
	}

	return b.AppendRemoteState(raw)
}

// SyncBatch records the current remote state.
func (p *Provider) SyncBatch(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if err := p.GetJSON(ctx, batchesPath+"/"+id, &raw); err != nil {
		return provider.Wrap(Name, "sync", err)
	}

	p.LogRateLimit(ctx, p.log)

	return b.AppendRemoteState(raw)
}

// DownloadBatchResults saves the JSONL results stream of the batch.
func (p *Provider) DownloadBatchResults(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	body, err := p.GetRaw(ctx, batchesPath+"/"+id+"/results")
	if err != nil {
		return provider.Wrap(Name, "download", err)
	}

	records, err := jsonfile.SplitLines(body)
	if err != nil {
		return provider.Wrap(Name, "download", err)
	}

	p.log.DebugContext(ctx, "batch results downloaded", "records", len(records))

	return b.SaveRemoteResults(records)
}

// ConvertBatchStatus maps processing_status. An ended batch with cancelled
// requests counts as cancelled.
func (p *Provider) ConvertBatchStatus(state json.RawMessage) (lifecycle.Status, error) {
	var batch apiBatch
	if err := json.Unmarshal(state, &batch); err != nil {
		return "", fmt.Errorf("anthropic: parse state: %w", err)
	}

	switch batch.ProcessingStatus {
	case "in_progress":
		return lifecycle.InProgress, nil
	case "ended":
		if batch.RequestCounts.Canceled == 0 {
			return lifecycle.Completed, nil
		}
		return lifecycle.Cancelled, nil
	case "canceling":
		return lifecycle.Cancelled, nil
	default:
		return "", provider.UnknownStatus(Name, batch.ProcessingStatus)
	}
}

// ConvertBatchResult maps one results line. Every text block of a succeeded
// message becomes a choice.
func (p *Provider) ConvertBatchResult(record json.RawMessage) (result.Result, error) {
	var line apiResultLine
	if err := json.Unmarshal(record, &line); err != nil {
		return result.Result{}, fmt.Errorf("anthropic: parse result: %w", err)
	}

	switch line.Result.Type {
	case "succeeded":
		msg := line.Result.Message
		if msg == nil {
			return result.Errored(line.CustomID, "succeeded result without message"), nil
		}

		choices := make([]result.Choice, 0, len(msg.Content))
		for _, block := range msg.Content {
			if block.Type != "text" {
				continue
			}
			choices = append(choices, result.Choice{
				Message:      message.Assistant(block.Text),
				FinishReason: msg.StopReason,
				Index:        len(choices),
			})
		}

		return result.Result{
			CustomID: line.CustomID,
			Choices:  choices,
			Model:    msg.Model,
			Usage:    msg.Usage,
		}, nil
	case "errored":
		return result.Errored(line.CustomID, errorText(line.Result.Error)), nil
	case "canceled", "expired":
		return result.Errored(line.CustomID, "request "+line.Result.Type), nil
	default:
		return result.Result{}, fmt.Errorf("anthropic: unknown result type %q", line.Result.Type)
	}
}

// errorText digs the message out of {"type":"error","error":{"message":...}}
// and falls back to the raw JSON.
func errorText(raw json.RawMessage) string {
	var env struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		switch {
		case env.Error.Message != "":
			return env.Error.Message
		case env.Message != "":
			return env.Message
		}
	}

	if len(raw) == 0 {
		return "errored"
	}

	return string(raw)
}
