package gateway

import (
	"encoding/base64"
	"regexp"
)

// Extractor pulls generated images out of free-form response text. Returns
// nil when the text contains nothing it recognizes.
type Extractor interface {
	Name() string
	Extract(text string) []GeneratedImage
}

// extractChain is evaluated in priority order, first non-empty result wins.
// Order matters: a response carrying both an inline base64 image and a bare
// URL must yield only the base64 image.
var extractChain = []Extractor{
	markdownBase64Extractor{},
	markdownURLExtractor{},
	bareURLExtractor{},
}

// ExtractImages runs the ordered extractor chain over response text.
func ExtractImages(text string) []GeneratedImage {
	for _, e := range extractChain {
		if imgs := e.Extract(text); len(imgs) > 0 {
			return imgs
		}
	}
	return nil
}

var mdBase64Re = regexp.MustCompile(`!\[[^\]]*\]\(data:image/([a-zA-Z0-9.+-]+);base64,([A-Za-z0-9+/=]+)\)`)

// markdownBase64Extractor matches ![...](data:image/png;base64,....).
type markdownBase64Extractor struct{}

func (markdownBase64Extractor) Name() string { return "markdown_base64" }

func (markdownBase64Extractor) Extract(text string) []GeneratedImage {
	var out []GeneratedImage
	for _, m := range mdBase64Re.FindAllStringSubmatch(text, -1) {
		data, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			continue
		}
		out = append(out, GeneratedImage{Data: data, MIME: "image/" + m[1]})
	}
	return out
}

var mdURLRe = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)

// markdownURLExtractor matches ![...](https://...).
type markdownURLExtractor struct{}

func (markdownURLExtractor) Name() string { return "markdown_url" }

func (markdownURLExtractor) Extract(text string) []GeneratedImage {
	var out []GeneratedImage
	for _, m := range mdURLRe.FindAllStringSubmatch(text, -1) {
		out = append(out, GeneratedImage{URL: m[1]})
	}
	return out
}

var bareURLRe = regexp.MustCompile(`https?://[^\s)"'<>]+\.(?:png|jpe?g|gif|webp)(?:\?[^\s)"'<>]*)?`)

// bareURLExtractor matches raw links ending in an image extension.
type bareURLExtractor struct{}

func (bareURLExtractor) Name() string { return "bare_url" }

func (bareURLExtractor) Extract(text string) []GeneratedImage {
	var out []GeneratedImage
	for _, u := range bareURLRe.FindAllString(text, -1) {
		out = append(out, GeneratedImage{URL: u})
	}
	return out
}
