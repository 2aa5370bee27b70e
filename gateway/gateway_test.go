package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohans/genpipe/catalog"
)

func staticResolver(secret string) Resolver {
	return EnvResolver{Lookup: func(string) (string, bool) { return secret, true }}
}

func chatModel(endpoint string) *catalog.ModelRecord {
	return &catalog.ModelRecord{
		ID: "model-m", Provider: "acme", APIFormat: FormatChat,
		Endpoint: endpoint, APIKey: "{{ACME_KEY}}",
	}
}

func TestGateway_Invoke_ChatFormat(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"content": "done ![img](https://cdn.test/out.png)"},
			}},
		})
	}))
	defer srv.Close()

	g := New(staticResolver("sk-secret"), Options{})
	res, err := g.Invoke(context.Background(), chatModel(srv.URL), Request{
		Prompt: "a red dress",
		Images: []InputImage{{URL: "https://img.test/ref.png"}, {Data: []byte{1, 2}, MIME: "image/jpeg"}},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotAuth != "Bearer sk-secret" {
		t.Fatalf("credential not resolved onto the wire: %q", gotAuth)
	}
	if len(res.Images) != 1 || res.Images[0].URL != "https://cdn.test/out.png" {
		t.Fatalf("unexpected result: %#v", res.Images)
	}
	content := gotBody.Messages[0].Content
	if len(content) != 3 || content[0].Text != "a red dress" {
		t.Fatalf("unexpected request content: %#v", content)
	}
	if content[1].ImageURL.URL != "https://img.test/ref.png" {
		t.Fatalf("URL ref must pass through: %#v", content[1])
	}
	wantData := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte{1, 2})
	if content[2].ImageURL.URL != wantData {
		t.Fatalf("inline ref must become a data URL: %q", content[2].ImageURL.URL)
	}
}

func TestGateway_Invoke_PartsFormat(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"parts": []map[string]any{
					{"text": "here you go"},
					{"inline_data": map[string]any{
						"mime_type": "image/png",
						"data":      base64.StdEncoding.EncodeToString([]byte("png-bytes")),
					}},
				}},
			}},
		})
	}))
	defer srv.Close()

	model := chatModel(srv.URL)
	model.APIFormat = FormatParts
	g := New(staticResolver("sk-parts"), Options{})
	res, err := g.Invoke(context.Background(), model, Request{
		Prompt: "a red dress",
		Images: []InputImage{{Data: []byte{1, 2}, MIME: "image/png"}},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if gotKey != "sk-parts" {
		t.Fatalf("api key header: %q", gotKey)
	}
	if len(res.Images) != 1 || string(res.Images[0].Data) != "png-bytes" {
		t.Fatalf("unexpected result: %#v", res.Images)
	}
	if res.Text != "here you go" {
		t.Fatalf("text parts not collected: %q", res.Text)
	}
}

func TestGateway_Invoke_PartsFormatRejectsURLOnlyInputs(t *testing.T) {
	model := chatModel("http://unused.test")
	model.APIFormat = FormatParts
	g := New(staticResolver("k"), Options{})
	_, err := g.Invoke(context.Background(), model, Request{
		Prompt: "p",
		Images: []InputImage{{URL: "https://img.test/ref.png"}},
	})
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("want GatewayError got %v", err)
	}
}

func TestGateway_Invoke_Non2xxIsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	g := New(staticResolver("k"), Options{})
	_, err := g.Invoke(context.Background(), chatModel(srv.URL), Request{Prompt: "p"})
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("want GatewayError got %v", err)
	}
	if gerr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("want 429 got %d", gerr.StatusCode)
	}
}

func TestGateway_Invoke_UnsupportedFormat(t *testing.T) {
	model := chatModel("http://unused.test")
	model.APIFormat = "telepathy"
	g := New(staticResolver("k"), Options{})
	_, err := g.Invoke(context.Background(), model, Request{Prompt: "p"})
	var gerr *GatewayError
	if !errors.As(err, &gerr) {
		t.Fatalf("want GatewayError got %v", err)
	}
}

func TestGateway_Invoke_CredentialFailureIsNotGatewayError(t *testing.T) {
	g := New(EnvResolver{Lookup: func(string) (string, bool) { return "", false }}, Options{})
	_, err := g.Invoke(context.Background(), chatModel("http://unused.test"), Request{Prompt: "p"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		t.Fatalf("credential resolution is a hard config error, not a provider error: %v", err)
	}
}
