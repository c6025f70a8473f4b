package lyrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// notFoundMarker is what the research prompt asks the model to answer with
// when it does not know the song.
const notFoundMarker = "NOT_FOUND"

const researchPrompt = `You are a lyrics researcher. Reply with the complete lyrics of the requested song in LRC format, one line per lyric line, each starting with a [mm:ss.xx] timestamp. Reply with only the LRC text. If you do not know the song, reply with exactly ` + notFoundMarker + `.`

// GroqClient talks to an OpenAI-compatible Groq endpoint.
type GroqClient struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	chatModel       string
	transcribeModel string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Transcription is a verbose_json transcription reply.
type Transcription struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// NewGroqClient creates a Groq API client.
func NewGroqClient(baseURL, apiKey, chatModel, transcribeModel string) *GroqClient {
	return &GroqClient{
		httpClient:      &http.Client{Timeout: 120 * time.Second},
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          apiKey,
		chatModel:       chatModel,
		transcribeModel: transcribeModel,
	}
}

// IsConfigured returns true if the client has an API key.
func (c *GroqClient) IsConfigured() bool {
	return c != nil && c.apiKey != ""
}

// ChatCompletion sends a single system+user exchange and returns the reply.
func (c *GroqClient) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model: c.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   4096,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp chatCompletionResponse
	if err := c.post(ctx, "/chat/completions", "application/json", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe uploads an audio file and returns timed segments.
func (c *GroqClient) Transcribe(ctx context.Context, path string) (Transcription, error) {
	f, err := os.Open(path)
	if err != nil {
		return Transcription{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return Transcription{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return Transcription{}, fmt.Errorf("read audio: %w", err)
	}
	_ = mw.WriteField("model", c.transcribeModel)
	_ = mw.WriteField("response_format", "verbose_json")
	if err := mw.Close(); err != nil {
		return Transcription{}, fmt.Errorf("build form: %w", err)
	}

	var resp Transcription
	if err := c.post(ctx, "/audio/transcriptions", mw.FormDataContentType(), &buf, &resp); err != nil {
		return Transcription{}, err
	}
	return resp, nil
}

func (c *GroqClient) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("groq API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Research asks a chat model to recall lyrics as LRC.
type Research struct {
	client *GroqClient
}

func NewResearch(client *GroqClient) *Research { return &Research{client: client} }

func (r *Research) Name() string { return "groq_research" }

func (r *Research) Find(ctx context.Context, track Track) (Found, error) {
	user := fmt.Sprintf("Song: %s\nArtist: %s", track.Title, track.Artist)
	if track.DurationSeconds > 0 {
		user += fmt.Sprintf("\nDuration: %d seconds", track.DurationSeconds)
	}
	reply, err := r.client.ChatCompletion(ctx, researchPrompt, user)
	if err != nil {
		return Found{}, err
	}
	text := stripFences(reply)
	if text == "" || strings.EqualFold(text, notFoundMarker) {
		return Found{}, ErrNotFound
	}
	return Found{Text: text, Synced: Validate(text), Source: r.Name()}, nil
}

// Transcribe listens to the cached audio and builds LRC from speech segments.
type Transcribe struct {
	client *GroqClient
}

func NewTranscribe(client *GroqClient) *Transcribe { return &Transcribe{client: client} }

func (t *Transcribe) Name() string { return "groq_transcribe" }

func (t *Transcribe) Find(ctx context.Context, track Track) (Found, error) {
	if track.AudioPath == "" {
		return Found{}, ErrNotFound
	}
	if _, err := os.Stat(track.AudioPath); err != nil {
		return Found{}, ErrNotFound
	}
	resp, err := t.client.Transcribe(ctx, track.AudioPath)
	if err != nil {
		return Found{}, err
	}

	var b strings.Builder
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		b.WriteString(FormatTimestamp(time.Duration(seg.Start * float64(time.Second))))
		b.WriteString(" ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	lrc := strings.TrimSpace(b.String())
	if lrc == "" {
		if plain := strings.TrimSpace(resp.Text); plain != "" {
			return Found{Text: plain, Source: t.Name()}, nil
		}
		return Found{}, ErrNotFound
	}
	return Found{Text: lrc, Synced: Validate(lrc), Source: t.Name()}, nil
}
