// Copyright 2025-2026 MirrorWire Contributors

// Package media classifies attachments into coarse categories and applies
// plan-scoped allowlists and size ceilings before anything is downloaded.
package media

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/policy"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

// Category is a coarse attachment classification.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryAudio    Category = "audio"
	CategoryVideo    Category = "video"
	CategoryDocument Category = "document"
	CategoryUnknown  Category = "unknown"
)

var documentMIMEs = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-powerpoint":                                     true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/zip":              true,
	"application/x-rar-compressed": true,
	"application/x-7z-compressed":  true,
	"application/gzip":             true,
	"application/json":             true,
	"application/xml":              true,
}

var extCategories = map[string]Category{
	".png": CategoryImage, ".jpg": CategoryImage, ".jpeg": CategoryImage,
	".gif": CategoryImage, ".webp": CategoryImage, ".bmp": CategoryImage,
	".mp3": CategoryAudio, ".ogg": CategoryAudio, ".wav": CategoryAudio,
	".flac": CategoryAudio, ".m4a": CategoryAudio, ".opus": CategoryAudio,
	".mp4": CategoryVideo, ".mov": CategoryVideo, ".webm": CategoryVideo,
	".mkv": CategoryVideo, ".avi": CategoryVideo,
	".pdf": CategoryDocument, ".doc": CategoryDocument, ".docx": CategoryDocument,
	".xls": CategoryDocument, ".xlsx": CategoryDocument, ".ppt": CategoryDocument,
	".pptx": CategoryDocument, ".txt": CategoryDocument, ".csv": CategoryDocument,
	".zip": CategoryDocument, ".rar": CategoryDocument, ".7z": CategoryDocument,
	".json": CategoryDocument, ".xml": CategoryDocument,
}

// Classify categorizes an attachment from its declared MIME type first,
// falling back to the filename extension.
func Classify(filename, declaredType string) Category {
	mime := strings.ToLower(strings.TrimSpace(declaredType))
	if semi := strings.IndexByte(mime, ';'); semi >= 0 {
		mime = strings.TrimSpace(mime[:semi])
	}
	switch {
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mime, "text/"), documentMIMEs[mime]:
		return CategoryDocument
	}
	if cat, ok := extCategories[strings.ToLower(filepath.Ext(filename))]; ok {
		return cat
	}
	return CategoryUnknown
}

// Rejection records why one attachment was excluded from mirroring.
type Rejection struct {
	Attachment platform.Attachment
	Reason     string
}

// Verdict is the result of plan validation over a message's attachments.
type Verdict struct {
	Eligible []platform.Attachment
	Rejected []Rejection
}

// NoticeText renders rejected attachments as a short human-readable notice
// appended to the outgoing text. Returns "" when nothing was rejected.
func (v Verdict) NoticeText() string {
	if len(v.Rejected) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range v.Rejected {
		fmt.Fprintf(&b, "\n[attachment %q skipped: %s]", r.Attachment.Name, r.Reason)
	}
	return b.String()
}

// Validate applies plan gating, category allowlisting and the size ceiling
// to each attachment independently. One rejected attachment never blocks
// the others, and rejections always leave a trace in the verdict.
func Validate(attachments []platform.Attachment, plan store.Plan) Verdict {
	var v Verdict
	maxBytes := policy.MaxAttachmentBytes(plan)
	for _, att := range attachments {
		category := Classify(att.Name, att.DeclaredType)
		// Unknown is a top-plan privilege; once granted it is treated as
		// a generic document for allowlist purposes.
		effective := category
		if category == CategoryUnknown {
			if !policy.CategoryAllowed(plan, string(CategoryUnknown)) {
				v.Rejected = append(v.Rejected, Rejection{
					Attachment: att,
					Reason:     fmt.Sprintf("unrecognized file type is not available on the %s plan", plan),
				})
				continue
			}
			effective = CategoryDocument
		}
		if !policy.CategoryAllowed(plan, string(effective)) {
			v.Rejected = append(v.Rejected, Rejection{
				Attachment: att,
				Reason:     fmt.Sprintf("%s attachments are not available on the %s plan", effective, plan),
			})
			continue
		}
		if att.Size > maxBytes {
			v.Rejected = append(v.Rejected, Rejection{
				Attachment: att,
				Reason: fmt.Sprintf("file exceeds the %d MB limit of the %s plan",
					maxBytes>>20, plan),
			})
			continue
		}
		v.Eligible = append(v.Eligible, att)
	}
	return v
}
