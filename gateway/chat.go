package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mohans/genpipe/catalog"
)

// FormatChat is the chat-completion wire shape: a messages array where
// reference images travel inside a "content" array as data: or http URLs,
// and generated images come back embedded in the assistant text.
const FormatChat = "chat"

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string            `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatFormat struct{}

func NewChatFormat() Format { return chatFormat{} }

func (chatFormat) Name() string { return FormatChat }

func (chatFormat) BuildRequest(ctx context.Context, model *catalog.ModelRecord, req Request, apiKey string) (*http.Request, error) {
	content := []chatContentPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		url := img.URL
		if url == "" {
			mime := img.MIME
			if mime == "" {
				mime = "image/png"
			}
			url = fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(img.Data))
		}
		content = append(content, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: url}})
	}
	body, err := json.Marshal(chatRequest{
		Model:    model.ID,
		Messages: []chatMessage{{Role: "user", Content: content}},
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, model.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	return httpReq, nil
}

// ParseResponse runs the ordered extraction chain over the assistant text.
// No recognizable image yields an empty result, not an error; the caller
// decides whether an empty result fails the run.
func (chatFormat) ParseResponse(body []byte) (*NormalizedResult, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}
	text := resp.Choices[0].Message.Content
	return &NormalizedResult{Images: ExtractImages(text), Text: text}, nil
}
