package chat

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/nugget/mandarin/internal/llm"
	"github.com/nugget/mandarin/internal/store"
)

// Attachment limits used when Limits leaves a field zero.
const (
	DefaultMaxAttachments   = 10
	DefaultMaxAttachmentLen = 10 << 20
	DefaultMaxExtractRunes  = 100_000
)

const truncatedSuffix = "\n\n[Truncated...]"

// imageTypes maps image extensions to MIME types.
var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

// textExtensions are document types read as UTF-8 text. PDF and Word
// files are refused rather than sent without their content.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".html": true, ".htm": true, ".css": true, ".log": true, ".ini": true,
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".rs": true, ".java": true, ".c": true, ".h": true, ".cpp": true, ".rb": true,
	".sh": true, ".sql": true,
}

// Upload is one file as sent by a client.
type Upload struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// Limits bound what a single message may carry.
type Limits struct {
	MaxAttachments   int
	MaxAttachmentLen int
	MaxExtractRunes  int
}

func (l Limits) withDefaults() Limits {
	if l.MaxAttachments <= 0 {
		l.MaxAttachments = DefaultMaxAttachments
	}
	if l.MaxAttachmentLen <= 0 {
		l.MaxAttachmentLen = DefaultMaxAttachmentLen
	}
	if l.MaxExtractRunes <= 0 {
		l.MaxExtractRunes = DefaultMaxExtractRunes
	}
	return l
}

// ExtractAttachments validates uploads and turns them into stored
// attachments: images keep their base64 data, documents their text.
func ExtractAttachments(uploads []Upload, limits Limits) ([]store.Attachment, error) {
	limits = limits.withDefaults()
	if len(uploads) > limits.MaxAttachments {
		return nil, inputErrorf("Too many attachments (max %d)", limits.MaxAttachments)
	}

	out := make([]store.Attachment, 0, len(uploads))
	for i, up := range uploads {
		name := strings.TrimSpace(up.Filename)
		if name == "" {
			name = fmt.Sprintf("file_%d", i)
		}
		if up.Data == "" {
			return nil, inputErrorf("Attachment %s: missing 'data' (base64)", name)
		}
		raw, err := base64.StdEncoding.DecodeString(up.Data)
		if err != nil {
			return nil, inputErrorf("Attachment %s: invalid base64", name)
		}
		if len(raw) > limits.MaxAttachmentLen {
			return nil, inputErrorf("File too large: %s (max %d bytes)", name, limits.MaxAttachmentLen)
		}

		ext := strings.ToLower(filepath.Ext(name))
		if mimeType, ok := imageMIME(ext, up.ContentType); ok {
			out = append(out, store.Attachment{
				Type:      store.AttachmentImage,
				Filename:  name,
				MIMEType:  mimeType,
				ImageData: base64.StdEncoding.EncodeToString(raw),
			})
			continue
		}
		if !textExtensions[ext] {
			if ext == "" {
				ext = "none"
			}
			return nil, inputErrorf("File type not allowed: %s (extension %s)", name, ext)
		}

		text := truncateRunes(strings.ToValidUTF8(string(raw), "�"), limits.MaxExtractRunes)
		if strings.TrimSpace(text) == "" {
			text = fmt.Sprintf("[Could not extract: %s]", name)
		}
		out = append(out, store.Attachment{
			Type:          store.AttachmentText,
			Filename:      name,
			ExtractedText: text,
		})
	}
	return out, nil
}

// imageMIME reports whether a file is an image and its MIME type. A
// declared image content type wins over the extension.
func imageMIME(ext, contentType string) (string, bool) {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mt, "image/") {
		if mt == "image/jpg" {
			mt = "image/jpeg"
		}
		if _, known := imageTypes[extFor(mt)]; known {
			return mt, true
		}
	}
	mt, ok := imageTypes[ext]
	return mt, ok
}

func extFor(mimeType string) string {
	for ext, mt := range imageTypes {
		if mt == mimeType {
			return ext
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + truncatedSuffix
}

// ToLLM converts a stored message to a model message. A user message
// with attachments becomes its typed text followed by one part per
// attachment; a result that is a single text part collapses to plain
// content.
func ToLLM(m store.Message) llm.Message { return toLLM(m, m.Content) }

// toLLM is ToLLM with text standing in for the message's typed text.
func toLLM(m store.Message, text string) llm.Message {
	msg := llm.Message{Role: m.Role, Content: text}
	if len(m.Attachments) == 0 {
		return msg
	}

	var parts []llm.ContentPart
	if strings.TrimSpace(text) != "" {
		parts = append(parts, llm.TextPart(text))
	}
	for _, a := range m.Attachments {
		switch {
		case a.Type == store.AttachmentImage && a.ImageData != "":
			mt := a.MIMEType
			if mt == "" {
				mt = mimeFromFilename(a.Filename)
			}
			parts = append(parts, llm.ImagePart(mt, a.ImageData))
		case a.Type == store.AttachmentText && a.ExtractedText != "":
			parts = append(parts, llm.TextPart("[Attachment: "+a.Filename+"]\n"+a.ExtractedText))
		}
	}

	switch {
	case len(parts) == 0:
	case len(parts) == 1 && parts[0].Type == llm.PartText:
		msg.Content = parts[0].Text
	default:
		msg.Content = ""
		msg.Parts = parts
	}
	return msg
}

func mimeFromFilename(name string) string {
	if mt, ok := imageTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return mt
	}
	return "image/png"
}
