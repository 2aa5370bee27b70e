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

// FormatParts is the content-generation wire shape: reference images are
// separate parts with inline binary payloads, and generated images come back
// as inline_data parts rather than embedded in text.
const FormatParts = "parts"

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type contentPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type partsContent struct {
	Parts []contentPart `json:"parts"`
}

type partsRequest struct {
	Contents []partsContent `json:"contents"`
}

type partsResponse struct {
	Candidates []struct {
		Content partsContent `json:"content"`
	} `json:"candidates"`
}

type partsFormat struct{}

func NewPartsFormat() Format { return partsFormat{} }

func (partsFormat) Name() string { return FormatParts }

func (partsFormat) BuildRequest(ctx context.Context, model *catalog.ModelRecord, req Request, apiKey string) (*http.Request, error) {
	parts := []contentPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		if len(img.Data) == 0 {
			return nil, fmt.Errorf("parts format requires inline image payloads")
		}
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, contentPart{InlineData: &inlineData{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	body, err := json.Marshal(partsRequest{Contents: []partsContent{{Parts: parts}}})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, model.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// This family of APIs authenticates with a header key, not a bearer token.
	httpReq.Header.Set("x-goog-api-key", apiKey)
	return httpReq, nil
}

func (partsFormat) ParseResponse(body []byte) (*NormalizedResult, error) {
	var resp partsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode parts response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("parts response has no candidates")
	}
	result := &NormalizedResult{}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData != nil {
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode inline image: %w", err)
			}
			result.Images = append(result.Images, GeneratedImage{Data: data, MIME: p.InlineData.MIMEType})
			continue
		}
		result.Text += p.Text
	}
	return result, nil
}
