package domain

import (
	"io"
	"strings"
)

// MimeCategory is the coarse type shown in the conversation view
type MimeCategory string

const (
	MimeImage MimeCategory = "image"
	MimeVideo MimeCategory = "video"
	MimeAudio MimeCategory = "audio"
	MimeFile  MimeCategory = "file"
)

// CategoryOf maps a MIME type to its category
func CategoryOf(mimeType string) MimeCategory {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MimeImage
	case strings.HasPrefix(mimeType, "video/"):
		return MimeVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MimeAudio
	default:
		return MimeFile
	}
}

// Attachment references an uploaded object. It is immutable once its message exists.
type Attachment struct {
	URL          string       `json:"url"`
	MimeCategory MimeCategory `json:"mime_category"`
	MimeType     string       `json:"mime_type,omitempty"`
	Filename     string       `json:"filename"`
	Size         int64        `json:"size"`
	ObjectKey    string       `json:"-"`
}

// File is an upload request. Size may be -1 when unknown.
type File struct {
	Filename string
	Size     int64
	Content  io.Reader
}
