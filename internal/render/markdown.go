// Package render turns AI message markdown into HTML for clients that do not render it themselves.
package render

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
)

// Raw HTML in model output is dropped; goldmark omits it unless html.WithUnsafe is set.
var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Message is a transcript entry with its rendered body.
type Message struct {
	chat.Message
	HTML string `json:"html"`
}

// Markdown converts text to an HTML fragment.
func Markdown(text string) (string, error) {
	if text == "" {
		return "", nil
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Transcript renders every message of a transcript, keeping order.
func Transcript(msgs []chat.Message) ([]Message, error) {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		rendered, err := Markdown(msg.Text)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Message: msg, HTML: rendered})
	}
	return out, nil
}
