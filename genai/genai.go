// Package genai talks to an OpenAI-compatible chat completion endpoint. It
// backs the classifier's model fallback and the notice metadata extraction.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/dcepipe/tender"
)

// ErrEmptyCompletion is returned when the model answers with no choices.
var ErrEmptyCompletion = errors.New("genai: empty completion")

// Config configures a Client.
type Config struct {
	// BaseURL of the OpenAI-compatible server, without the /v1 suffix.
	BaseURL string `yaml:"base_url"`

	// Model name passed through to the server.
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token when non-empty. Local vLLM-style
	// deployments typically leave it blank.
	APIKey string `yaml:"api_key"`

	// Timeout per completion request. Default: 120s.
	Timeout time.Duration `yaml:"timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a minimal chat-completions client.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// complete sends one chat exchange and returns the first choice's content.
func (c *Client) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0,
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("genai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(reqJSON))
	if err != nil {
		return "", fmt.Errorf("genai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("genai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("genai: server returned status %d: %s", resp.StatusCode, string(body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("genai: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	c.cfg.Logger.Debug("genai: completion received",
		"duration", time.Since(start),
		"tokens", out.Usage.TotalTokens,
		"finish_reason", out.Choices[0].FinishReason)

	return out.Choices[0].Message.Content, nil
}

const labelSystemPrompt = `Tu classifies des documents de marchés publics marocains. ` +
	`Réponds par un seul mot parmi : AVIS, RC, CPS, ANNEXE, AUTRE. ` +
	`AVIS = avis de consultation ou d'appel d'offres. ` +
	`RC = règlement de consultation. ` +
	`CPS = cahier des prescriptions spéciales. ` +
	`ANNEXE = annexe, additif ou avenant. ` +
	`AUTRE = tout le reste.`

// Label asks the model for the document's role from an excerpt. Any answer
// outside the expected vocabulary maps to the unknown role, never an error.
func (c *Client) Label(ctx context.Context, text, filename string) (tender.Role, error) {
	user := fmt.Sprintf("Nom du fichier : %s\n\nDébut du document :\n%s", filename, text)
	answer, err := c.complete(ctx, labelSystemPrompt, user, 8)
	if err != nil {
		return tender.RoleUnknown, err
	}

	switch strings.ToUpper(strings.TrimSpace(answer)) {
	case "AVIS":
		return tender.RoleNotice, nil
	case "RC":
		return tender.RoleRules, nil
	case "CPS":
		return tender.RoleSpecifications, nil
	case "ANNEXE":
		return tender.RoleAmendment, nil
	default:
		c.cfg.Logger.Debug("genai: unmapped label answer", "answer", answer)
		return tender.RoleUnknown, nil
	}
}

const metadataSystemPrompt = `Tu extrais les métadonnées d'un avis de consultation de marché public marocain. ` +
	`Réponds uniquement avec un objet JSON contenant les clés : ` +
	`reference, objet, acheteur, date_limite, caution_provisoire, estimation. ` +
	`Mets null pour toute valeur absente. Pas de texte hors du JSON.`

// ExtractNoticeMetadata pulls structured fields out of a notice's full text.
// The result is the model's JSON object, validated but not interpreted.
func (c *Client) ExtractNoticeMetadata(ctx context.Context, text string) (json.RawMessage, error) {
	answer, err := c.complete(ctx, metadataSystemPrompt, text, 1024)
	if err != nil {
		return nil, err
	}

	// Some models wrap the object in markdown fences.
	answer = strings.TrimSpace(answer)
	answer = strings.TrimPrefix(answer, "```json")
	answer = strings.TrimPrefix(answer, "```")
	answer = strings.TrimSuffix(answer, "```")
	answer = strings.TrimSpace(answer)

	if !json.Valid([]byte(answer)) {
		return nil, fmt.Errorf("genai: metadata answer is not valid JSON")
	}
	return json.RawMessage(answer), nil
}
