package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-qa-service/internal/infrastructure/resilience"
)

// Client is the shared Ollama HTTP transport. Embedder and Generator wrap it
// per model.
type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

// Generator produces chat completions with a bounded output budget.
type Generator struct {
	client *Client
	model  string
}

func NewGenerator(client *Client, model string) *Generator {
	return &Generator{client: client, model: model}
}

func (g *Generator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	reqBody := map[string]any{
		"model":  g.model,
		"prompt": prompt,
		"stream": false,
	}
	if maxTokens > 0 {
		reqBody["options"] = map[string]any{"num_predict": maxTokens}
	}

	var response struct {
		Response string `json:"response"`
	}
	call := func(callCtx context.Context) error {
		return g.client.postJSON(callCtx, "/api/generate", reqBody, &response, "generate")
	}

	var err error
	if g.client.executor != nil {
		err = g.client.executor.Execute(ctx, "ollama.generate", call, classifyOllamaError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", wrapTemporaryIfNeeded("generate", err)
	}
	return strings.TrimSpace(response.Response), nil
}

// Ping checks upstream availability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &HTTPStatusError{Operation: "ping", StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}
