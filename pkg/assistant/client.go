// Package assistant is a narrow client for the remote assistant/thread/run
// streaming API. Sessions get one assistant (persona + instructions) and one
// thread (conversation context); each generation is a streamed run against
// that thread.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/wwbp/chatengine/pkg/core"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	betaHeader     = "assistants=v2"
)

// Client talks to the assistants API over HTTP.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// New creates a client for the given API key and model.
func New(apiKey, model string) *Client {
	return NewWithClient(apiKey, model, nil)
}

// NewWithClient creates a client using a caller-supplied HTTP client.
func NewWithClient(apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: httpClient,
	}
}

// WithBaseURL overrides the API base URL. Used by tests and proxies.
func (c *Client) WithBaseURL(base string) *Client {
	base = strings.TrimSpace(base)
	if base != "" {
		c.baseURL = strings.TrimSuffix(base, "/")
	}
	return c
}

// Assistant is a remote persona handle.
type Assistant struct {
	ID string `json:"id"`
}

// Thread is a remote conversation context handle.
type Thread struct {
	ID string `json:"id"`
}

// CreateAssistant provisions a remote assistant with the given instructions.
// The file_search tool is always enabled so reference material can be
// attached later.
func (c *Client) CreateAssistant(ctx context.Context, instructions string) (Assistant, error) {
	var out Assistant
	err := c.do(ctx, http.MethodPost, "/assistants", map[string]any{
		"model":        c.model,
		"instructions": instructions,
		"tools":        []map[string]any{{"type": "file_search"}},
	}, &out)
	return out, err
}

// RetrieveAssistant fetches an existing assistant by id.
func (c *Client) RetrieveAssistant(ctx context.Context, id string) (Assistant, error) {
	var out Assistant
	err := c.do(ctx, http.MethodGet, "/assistants/"+id, nil, &out)
	return out, err
}

// CreateThread provisions an empty remote thread.
func (c *Client) CreateThread(ctx context.Context) (Thread, error) {
	var out Thread
	err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out)
	return out, err
}

// RetrieveThread fetches an existing thread by id.
func (c *Client) RetrieveThread(ctx context.Context, id string) (Thread, error) {
	var out Thread
	err := c.do(ctx, http.MethodGet, "/threads/"+id, nil, &out)
	return out, err
}

// CreateUserMessage appends a user message to the thread context.
func (c *Client) CreateUserMessage(ctx context.Context, threadID, text string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", map[string]any{
		"role":    "user",
		"content": text,
	}, nil)
}

// VectorStore is a remote searchable document collection handle.
type VectorStore struct {
	ID string `json:"id"`
}

// File is a remote uploaded file handle.
type File struct {
	ID string `json:"id"`
}

// CreateVectorStore provisions a vector store that expires after the given
// number of days of inactivity.
func (c *Client) CreateVectorStore(ctx context.Context, name string, expiresAfterDays int) (VectorStore, error) {
	var out VectorStore
	err := c.do(ctx, http.MethodPost, "/vector_stores", map[string]any{
		"name": name,
		"expires_after": map[string]any{
			"anchor": "last_active_at",
			"days":   expiresAfterDays,
		},
	}, &out)
	return out, err
}

// UploadFile uploads file content for assistant consumption.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (File, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return File{}, err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return File{}, err
	}
	if _, err := part.Write(data); err != nil {
		return File{}, err
	}
	if err := mw.Close(); err != nil {
		return File{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return File{}, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("upload file %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return File{}, c.decodeError(resp, "")
	}
	var out File
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// AddVectorStoreFiles attaches uploaded files to the vector store as one
// batch.
func (c *Client) AddVectorStoreFiles(ctx context.Context, vectorStoreID string, fileIDs []string) error {
	return c.do(ctx, http.MethodPost, "/vector_stores/"+vectorStoreID+"/file_batches", map[string]any{
		"file_ids": fileIDs,
	}, nil)
}

// AttachVectorStore points the assistant's file_search tool at the vector
// store.
func (c *Client) AttachVectorStore(ctx context.Context, assistantID, vectorStoreID string) error {
	return c.do(ctx, http.MethodPost, "/assistants/"+assistantID, map[string]any{
		"tool_resources": map[string]any{
			"file_search": map[string]any{"vector_store_ids": []string{vectorStoreID}},
		},
	}, nil)
}

// StreamRun starts a streamed generation on the thread. A RunConflictError is
// returned when the provider reports an active run on the thread.
func (c *Client) StreamRun(ctx context.Context, assistantID, threadID string) (*RunStream, error) {
	body, err := json.Marshal(map[string]any{
		"assistant_id": assistantID,
		"stream":       true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/threads/"+threadID+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeError(resp, threadID)
	}
	return newRunStream(resp.Body), nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp, "")
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) decodeError(resp *http.Response, threadID string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var env apiErrorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		if strings.Contains(env.Error.Message, "active run") {
			return &core.RunConflictError{ThreadID: threadID}
		}
		return fmt.Errorf("assistant api %d (%s): %s", resp.StatusCode, env.Error.Type, env.Error.Message)
	}
	return fmt.Errorf("assistant api %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}
