package models

import (
	"fmt"
	"unicode/utf8"

	"github.com/pitabwire/frame/data"
)

// Message kinds. The kind discriminates the content payload shape so
// validation stays exhaustive instead of accepting open-ended maps.
const (
	KindText  = "text"
	KindVideo = "video"
	KindImage = "image"
	KindVoice = "voice"
)

// TextContent is the payload for KindText.
type TextContent struct {
	Body string `json:"body"`
}

// MediaContent is the payload for KindVideo, KindImage and KindVoice.
// Caption applies to video and image only; DurationMs to video and voice.
type MediaContent struct {
	URL        string `json:"url"`
	Caption    string `json:"caption,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
}

// ValidateContent checks a kind-discriminated content map and returns the
// length of its user-visible text in characters, which the pipeline
// bounds-checks against the configured maximum. Byte length is not the
// measure; multibyte text counts one per rune.
func ValidateContent(kind string, content data.JSONMap) (int, error) {
	switch kind {
	case KindText:
		body, ok := content["body"].(string)
		if !ok || body == "" {
			return 0, fmt.Errorf("text content requires a body")
		}
		return utf8.RuneCountInString(body), nil
	case KindVideo, KindImage, KindVoice:
		url, ok := content["url"].(string)
		if !ok || url == "" {
			return 0, fmt.Errorf("%s content requires a url", kind)
		}
		caption, _ := content["caption"].(string)
		return utf8.RuneCountInString(caption), nil
	default:
		return 0, fmt.Errorf("unknown message kind: %q", kind)
	}
}

// PreviewText extracts a human-readable one-liner from a content payload for
// push notifications.
func PreviewText(kind string, content data.JSONMap) string {
	switch kind {
	case KindText:
		body, _ := content["body"].(string)
		return body
	case KindVideo:
		if caption, _ := content["caption"].(string); caption != "" {
			return caption
		}
		return "Sent a video"
	case KindImage:
		if caption, _ := content["caption"].(string); caption != "" {
			return caption
		}
		return "Sent an image"
	case KindVoice:
		return "Sent a voice note"
	default:
		return ""
	}
}
