// Package openai provides a batch backend for the OpenAI Files and Batches
// APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"

	"github.com/germanamz/batchman/pkg/chats/content"
	"github.com/germanamz/batchman/pkg/chats/message"
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
	Name = "openai"
	// DefaultBaseURL is used when the config has no URL.
	DefaultBaseURL = "https://api.openai.com"

	completionsPath = "/v1/chat/completions"
)

var _ provider.Provider = (*Provider)(nil)

// Provider implements provider.Provider for OpenAI.
type Provider struct {
	provider.Base

	cfg configstore.Config
	log *slog.Logger

	mu     sync.Mutex
	models map[string]bool
}

// New creates a Provider from cfg, or from OPENAI_API_KEY / OPENAI_BASE_URL
// when cfg is nil. No request is made until the first remote operation.
func New(cfg *configstore.Config, log *slog.Logger) *Provider {
	c := provider.ResolveConfig(Name, cfg)

	baseURL := strings.TrimSuffix(strings.TrimRight(c.URL, "/"), "/v1")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p := &Provider{cfg: c, log: provider.Logger(log)}
	p.BaseURL = baseURL
	p.Auth = provider.Auth{Key: c.APIKey}
	p.HeaderParser = provider.ParseOpenAIRateLimitHeaders

	if org, ok := c.Kwargs["organization"].(string); ok && org != "" {
		p.Headers = map[string]string{"OpenAI-Organization": org}
	}

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

type apiBatchLine struct {
	CustomID string  `json:"custom_id"`
	Method   string  `json:"method"`
	URL      string  `json:"url"`
	Body     apiBody `json:"body"`
}

type apiBody struct {
	Model               string       `json:"model,omitempty"`
	Messages            []apiMessage `json:"messages"`
	MaxCompletionTokens *int         `json:"max_completion_tokens,omitempty"`
	Temperature         *float64     `json:"temperature,omitempty"`
	TopP                *float64     `json:"top_p,omitempty"`
	FrequencyPenalty    *float64     `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64     `json:"presence_penalty,omitempty"`
	Stop                []string     `json:"stop,omitempty"`
	N                   *int         `json:"n,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *apiImageURL `json:"image_url,omitempty"`
}

type apiImageURL struct {
	URL string `json:"url"`
}

type apiFile struct {
	ID string `json:"id"`
}

type apiCreateBatch struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type apiBatch struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
}

type apiResultLine struct {
	CustomID string          `json:"custom_id"`
	Response *apiResponse    `json:"response"`
	Error    json.RawMessage `json:"error"`
}

type apiResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type apiCompletion struct {
	Model   string          `json:"model"`
	Choices []apiChoice     `json:"choices"`
	Usage   map[string]any  `json:"usage"`
	Error   json.RawMessage `json:"error"`
}

type apiChoice struct {
	Index        int            `json:"index"`
	Message      apiRespMessage `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type apiRespMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
	Refusal *string `json:"refusal"`
}

// --- validation ---

func (p *Provider) availableModels(ctx context.Context) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.models != nil {
		return p.models, nil
	}

	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := p.GetJSON(ctx, "/v1/models", &resp); err != nil {
		return nil, provider.Wrap(Name, "list models", err)
	}

	models := make(map[string]bool, len(resp.Data))
	for _, m := range resp.Data {
		models[m.ID] = true
	}
	p.models = models

	p.log.DebugContext(ctx, "models loaded", "count", len(models))

	return models, nil
}

// ValidateRequest requires a model OpenAI lists for this account.
func (p *Provider) ValidateRequest(ctx context.Context, req request.Request) error {
	if req.Model == "" {
		return errors.New("model is required")
	}

	models, err := p.availableModels(ctx)
	if err != nil {
		return err
	}

	if !models[req.Model] {
		return fmt.Errorf("model %s is not available on OpenAI", req.Model)
	}

	return nil
}

// --- conversion helpers ---

func wireContent(c content.Content) any {
	if !c.IsMultipart() {
		return c.Text
	}

	parts := make([]apiPart, 0, len(c.Parts))
	for _, part := range c.Parts {
		switch v := part.(type) {
		case content.Text:
			parts = append(parts, apiPart{Type: "text", Text: v.Text})
		case content.Image:
			parts = append(parts, apiPart{Type: "image_url", ImageURL: &apiImageURL{URL: v.URL}})
		}
	}

	return parts
}

func prepareRequest(r request.Request) apiBatchLine {
	msgs := make([]apiMessage, 0, len(r.Messages)+1)
	if r.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: role.System.String(), Content: r.SystemPrompt})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, apiMessage{Role: m.Role.String(), Content: wireContent(m.Content)})
	}

	return apiBatchLine{
		CustomID: r.CustomID,
		Method:   http.MethodPost,
		URL:      completionsPath,
		Body: apiBody{
			Model:               r.Model,
			Messages:            msgs,
			MaxCompletionTokens: r.MaxTokens,
			Temperature:         r.Temperature,
			TopP:                r.TopP,
			FrequencyPenalty:    r.FrequencyPenalty,
			PresencePenalty:     r.PresencePenalty,
			Stop:                r.Stop,
			N:                   r.N,
		},
	}
}

// stringMetadata converts batch metadata to the string map OpenAI accepts.
func stringMetadata(md map[string]any) map[string]string {
	if len(md) == 0 {
		return nil
	}

	out := make(map[string]string, len(md))
	for k, v := range md {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}

		b, err := json.Marshal(v)
		if err != nil {
			out[k] = fmt.Sprint(v)
			continue
		}
		out[k] = string(b)
	}

	return out
}

// --- remote operations ---

func (p *Provider) call(ctx context.Context, method, path string, body io.Reader, contentType string) (json.RawMessage, error) {
	req, err := p.NewRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	raw, err := p.SendRaw(req)
	if err != nil {
		return nil, err
	}

	return json.RawMessage(raw), nil
}

func (p *Provider) uploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", err
	}

	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	raw, err := p.call(ctx, http.MethodPost, "/v1/files", &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}

	var f apiFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("decode file: %w", err)
	}
	if f.ID == "" {
		return "", errors.New("file upload returned no id")
	}

	return f.ID, nil
}

// UploadBatch uploads the translated requests as a batch input file, then
// creates the batch.
func (p *Provider) UploadBatch(ctx context.Context, b provider.Batch) (string, error) {
	reqs, err := b.Requests()
	if err != nil {
		return "", err
	}

	lines := make([]json.RawMessage, 0, len(reqs))
	var file bytes.Buffer
	for _, r := range reqs {
		line, err := json.Marshal(prepareRequest(r))
		if err != nil {
			return "", fmt.Errorf("openai: marshal %s: %w", r.CustomID, err)
		}
		lines = append(lines, line)
		file.Write(line)
		file.WriteByte('\n')
	}

	p.log.DebugContext(ctx, "uploading batch file", "requests", len(lines))

	fileID, err := p.uploadFile(ctx, "batch-"+b.UniqueID()+".jsonl", file.Bytes())
	if err != nil {
		return "", provider.Wrap(Name, "upload file", err)
	}

	if err := b.SaveRemoteRequests(lines); err != nil {
		return "", err
	}

	md, err := b.Metadata()
	if err != nil {
		return "", err
	}

	var raw json.RawMessage
	if err := p.PostJSON(ctx, "/v1/batches", apiCreateBatch{
		InputFileID:      fileID,
		Endpoint:         completionsPath,
		CompletionWindow: string(b.CompletionWindow()),
		Metadata:         stringMetadata(md),
	}, &raw); err != nil {
		return "", provider.Wrap(Name, "create batch", err)
	}

	var batch apiBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return "", provider.Wrap(Name, "create batch", err)
	}

	if err := b.AppendRemoteState(raw); err != nil {
		return "", err
	}
	p.LogRateLimit(ctx, p.log)

	return batch.ID, nil
}

func (p *Provider) retrieve(ctx context.Context, b provider.Batch) (json.RawMessage, apiBatch, error) {
	id, err := b.RemoteID()
	if err != nil {
		return nil, apiBatch{}, err
	}

	var raw json.RawMessage
	if err := p.GetJSON(ctx, "/v1/batches/"+id, &raw); err != nil {
		return nil, apiBatch{}, err
	}

	var batch apiBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, apiBatch{}, fmt.Errorf("decode batch: %w", err)
	}

	return raw, batch, nil
}

// CancelBatch requests cancellation and records the returned state.
func (p *Provider) CancelBatch(ctx context.Context, b provider.Batch) error {
	id, err := b.RemoteID()
	if err != nil {
		return err
	}

	raw, err := p.call(ctx, http.MethodPost, "/v1/batches/"+id+"/cancel", nil, "")
	if err != nil {
		return provider.Wrap(Name, "cancel", err)
	}

	return b.AppendRemoteState(raw)
}

// SyncBatch records the current remote state.
func (p *Provider) SyncBatch(ctx context.Context, b provider.Batch) error {
	raw, _, err := p.retrieve(ctx, b)
	if err != nil {
		return provider.Wrap(Name, "sync", err)
	}

	p.LogRateLimit(ctx, p.log)

	return b.AppendRemoteState(raw)
}

// DownloadBatchResults records the current state, then saves the output
// file followed by the error file.
func (p *Provider) DownloadBatchResults(ctx context.Context, b provider.Batch) error {
	raw, batch, err := p.retrieve(ctx, b)
	if err != nil {
		return provider.Wrap(Name, "download", err)
	}

	if err := b.AppendRemoteState(raw); err != nil {
		return err
	}

	if batch.Status != "completed" {
		return provider.Wrap(Name, "download", fmt.Errorf("batch %s is %s", batch.ID, batch.Status))
	}

	var data []byte
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}

		body, err := p.GetRaw(ctx, "/v1/files/"+fileID+"/content")
		if err != nil {
			return provider.Wrap(Name, "download "+fileID, err)
		}

		data = append(data, body...)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
	}

	records, err := jsonfile.SplitLines(data)
	if err != nil {
		return provider.Wrap(Name, "download", err)
	}

	p.log.DebugContext(ctx, "batch results downloaded", "records", len(records))

	return b.SaveRemoteResults(records)
}

// ConvertBatchStatus maps the OpenAI batch status vocabulary.
func (p *Provider) ConvertBatchStatus(state json.RawMessage) (lifecycle.Status, error) {
	var batch apiBatch
	if err := json.Unmarshal(state, &batch); err != nil {
		return "", fmt.Errorf("openai: parse state: %w", err)
	}

	switch batch.Status {
	case "validating":
		return lifecycle.Validating, nil
	case "registered":
		return lifecycle.Registered, nil
	case "in_progress", "finalizing":
		return lifecycle.InProgress, nil
	case "completed":
		return lifecycle.Completed, nil
	case "cancelling", "cancelled":
		return lifecycle.Cancelled, nil
	case "failed", "expired":
		return lifecycle.Failed, nil
	default:
		return "", provider.UnknownStatus(Name, batch.Status)
	}
}

// ConvertBatchResult maps one output or error file line.
func (p *Provider) ConvertBatchResult(record json.RawMessage) (result.Result, error) {
	var line apiResultLine
	if err := json.Unmarshal(record, &line); err != nil {
		return result.Result{}, fmt.Errorf("openai: parse result: %w", err)
	}

	if line.Response == nil || len(line.Response.Body) == 0 {
		return result.Errored(line.CustomID, errorText(line.Error, "no response")), nil
	}

	var body apiCompletion
	if err := json.Unmarshal(line.Response.Body, &body); err != nil {
		return result.Result{}, fmt.Errorf("openai: parse result body: %w", err)
	}

	if hasValue(body.Error) {
		return result.Errored(line.CustomID, errorText(body.Error, "")), nil
	}

	choices := make([]result.Choice, 0, len(body.Choices))
	for _, c := range body.Choices {
		text := ""
		switch {
		case c.Message.Content != nil:
			text = *c.Message.Content
		case c.Message.Refusal != nil:
			text = *c.Message.Refusal
		}

		choices = append(choices, result.Choice{
			Message:      message.Assistant(text),
			FinishReason: c.FinishReason,
			Index:        c.Index,
		})
	}

	return result.Result{
		CustomID: line.CustomID,
		Choices:  choices,
		Model:    body.Model,
		Usage:    body.Usage,
	}, nil
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// errorText prefers the "message" of an error object and falls back to the
// raw JSON.
func errorText(raw json.RawMessage, fallback string) string {
	if !hasValue(raw) {
		return fallback
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}

	return string(raw)
}
