package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType tags one structured content part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ImageURL points at an image attached to a message part.
type ImageURL struct {
	URL string `json:"url" validate:"required,url"`
}

// ContentPart is one entry of a structured (multi-part) message body.
type ContentPart struct {
	Type     PartType  `json:"type" validate:"required,oneof=text image_url"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty" validate:"omitempty"`
}

// Content is either plain text or a list of structured parts.
type Content struct {
	Text  string        `validate:"max=64000"`
	Parts []ContentPart `validate:"omitempty,dive"`

	present bool
}

// TextContent builds a plain text body.
func TextContent(text string) Content {
	return Content{Text: text, present: true}
}

// Present reports whether the body was decoded from a JSON value or built
// with TextContent. A message whose content key is missing is not present.
func (c Content) Present() bool {
	return c.present || c.Text != "" || c.Parts != nil
}

// IsStructured reports whether the body was sent as a parts array.
func (c Content) IsStructured() bool {
	return c.Parts != nil
}

// String flattens the body to text; image parts are skipped.
func (c Content) String() string {
	if !c.IsStructured() {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsStructured() {
		return MarshalUnescaped(c.Parts)
	}
	return MarshalUnescaped(c.Text)
}

// MarshalUnescaped encodes v like json.Marshal but leaves <, > and & as is.
func MarshalUnescaped(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errors.New("content is required")
	}
	switch data[0] {
	case '"':
		c.Parts = nil
		c.present = true
		return json.Unmarshal(data, &c.Text)
	case '[':
		parts := make([]ContentPart, 0)
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		c.Text = ""
		c.Parts = parts
		c.present = true
		return nil
	default:
		return errors.New("content must be a string or an array of parts")
	}
}

// Message is one entry of a conversation.
type Message struct {
	Role     Role      `json:"role" validate:"required,oneof=system assistant user"`
	Content  Content   `json:"content"`
	Feedback *Feedback `json:"feedback,omitempty"`
}
