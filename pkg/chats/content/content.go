// Package content defines the content carried by a batch request message.
package content

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Part is a piece of content within a message.
type Part interface {
	PartKind() string
}

// Text is a plain text content part.
type Text struct {
	Text string
}

func (t Text) PartKind() string { return "text" }

// Image is an image content part referenced by URL. Data URLs are allowed.
type Image struct {
	URL string
}

func (i Image) PartKind() string { return "image" }

// Content is either a plain string or an ordered list of parts. A nil Parts
// slice means the content is the plain string in Text.
type Content struct {
	Text  string
	Parts []Part
}

// String creates plain string content.
func String(s string) Content {
	return Content{Text: s}
}

// Of creates multi-part content.
func Of(parts ...Part) Content {
	if parts == nil {
		parts = []Part{}
	}

	return Content{Parts: parts}
}

// IsMultipart reports whether the content is a list of parts.
func (c Content) IsMultipart() bool {
	return c.Parts != nil
}

// TextContent returns the plain string, or the concatenated text of all Text
// parts for multi-part content.
func (c Content) TextContent() string {
	if !c.IsMultipart() {
		return c.Text
	}

	var b strings.Builder
	for _, p := range c.Parts {
		if t, ok := p.(Text); ok {
			b.WriteString(t.Text)
		}
	}

	return b.String()
}

// wirePart is the on-disk shape of a part: {"type":"text","content":...} or
// {"type":"image","url":...}.
type wirePart struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// MarshalJSON encodes plain content as a JSON string and multi-part content
// as an array of typed parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.IsMultipart() {
		return json.Marshal(c.Text)
	}

	parts := make([]wirePart, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch v := p.(type) {
		case Text:
			parts = append(parts, wirePart{Type: v.PartKind(), Content: v.Text})
		case Image:
			parts = append(parts, wirePart{Type: v.PartKind(), URL: v.URL})
		default:
			return nil, fmt.Errorf("content: unsupported part kind %q", p.PartKind())
		}
	}

	return json.Marshal(parts)
}

// UnmarshalJSON accepts a JSON string, an array of typed parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)

	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*c = Content{}
		return nil
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("content: %w", err)
		}
		*c = String(s)
		return nil
	case trimmed[0] == '[':
		var wire []wirePart
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return fmt.Errorf("content: %w", err)
		}

		parts := make([]Part, 0, len(wire))
		for i, w := range wire {
			switch w.Type {
			case "text":
				parts = append(parts, Text{Text: w.Content})
			case "image":
				parts = append(parts, Image{URL: w.URL})
			default:
				return fmt.Errorf("content: part %d: unknown type %q", i, w.Type)
			}
		}

		*c = Content{Parts: parts}
		return nil
	default:
		return fmt.Errorf("content: expected string or array, got %s", string(trimmed))
	}
}
