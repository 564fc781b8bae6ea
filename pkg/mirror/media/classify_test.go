// Copyright 2025-2026 MirrorWire Contributors

package media

import (
	"strings"
	"testing"

	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

func TestClassifyDeclaredTypeFirst(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		filename string
		declared string
		want     Category
	}{
		{"photo.png", "image/png", CategoryImage},
		{"clip.bin", "video/mp4", CategoryVideo},
		{"note.bin", "audio/ogg", CategoryAudio},
		{"report.bin", "application/pdf", CategoryDocument},
		{"readme.bin", "text/plain; charset=utf-8", CategoryDocument},
		// Declared type wins over a conflicting extension.
		{"photo.png", "video/mp4", CategoryVideo},
	} {
		if got := Classify(tt.filename, tt.declared); got != tt.want {
			t.Errorf("Classify(%q, %q) = %s, want %s", tt.filename, tt.declared, got, tt.want)
		}
	}
}

func TestClassifyExtensionFallback(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		filename string
		want     Category
	}{
		{"photo.JPG", CategoryImage},
		{"track.flac", CategoryAudio},
		{"movie.mkv", CategoryVideo},
		{"sheet.xlsx", CategoryDocument},
		{"blob", CategoryUnknown},
		{"archive.xyz", CategoryUnknown},
	} {
		if got := Classify(tt.filename, ""); got != tt.want {
			t.Errorf("Classify(%q, \"\") = %s, want %s", tt.filename, got, tt.want)
		}
	}
}

func att(name, declared string, size int64) platform.Attachment {
	return platform.Attachment{Name: name, DeclaredType: declared, Size: size}
}

func TestValidateCategoryAllowlist(t *testing.T) {
	t.Parallel()
	v := Validate([]platform.Attachment{
		att("pic.png", "image/png", 1024),
		att("clip.mp4", "video/mp4", 1024),
	}, store.PlanFree)
	if len(v.Eligible) != 1 || v.Eligible[0].Name != "pic.png" {
		t.Fatalf("eligible = %v, want only pic.png", v.Eligible)
	}
	if len(v.Rejected) != 1 {
		t.Fatalf("rejected = %v, want one entry", v.Rejected)
	}
	if !strings.Contains(v.Rejected[0].Reason, "free") {
		t.Errorf("rejection reason %q should reference the plan", v.Rejected[0].Reason)
	}
}

func TestValidateSizeCeiling(t *testing.T) {
	t.Parallel()
	v := Validate([]platform.Attachment{
		att("small.png", "image/png", 1<<20),
		att("huge.png", "image/png", 9<<20),
	}, store.PlanFree)
	if len(v.Eligible) != 1 || v.Eligible[0].Name != "small.png" {
		t.Fatalf("eligible = %v, want only small.png", v.Eligible)
	}
	if len(v.Rejected) != 1 || !strings.Contains(v.Rejected[0].Reason, "limit") {
		t.Fatalf("rejected = %v, want a size-limit rejection", v.Rejected)
	}
}

func TestValidateUnknownCategory(t *testing.T) {
	t.Parallel()
	blob := att("mystery", "", 1024)

	v := Validate([]platform.Attachment{blob}, store.PlanPro)
	if len(v.Eligible) != 0 {
		t.Error("unknown category should be rejected below the top plan")
	}

	v = Validate([]platform.Attachment{blob}, store.PlanElite)
	if len(v.Eligible) != 1 {
		t.Errorf("unknown category should be eligible on the top plan, got rejected: %v", v.Rejected)
	}
}

func TestValidateOneRejectionDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	v := Validate([]platform.Attachment{
		att("clip.mp4", "video/mp4", 1024),
		att("pic.png", "image/png", 1024),
		att("doc.pdf", "application/pdf", 1024),
	}, store.PlanBasic)
	if len(v.Eligible) != 2 {
		t.Errorf("eligible = %v, want pic.png and doc.pdf", v.Eligible)
	}
}

func TestNoticeText(t *testing.T) {
	t.Parallel()
	var empty Verdict
	if empty.NoticeText() != "" {
		t.Error("empty verdict should produce no notice")
	}
	v := Validate([]platform.Attachment{att("clip.mp4", "video/mp4", 1)}, store.PlanFree)
	notice := v.NoticeText()
	if !strings.Contains(notice, "clip.mp4") || !strings.Contains(notice, "skipped") {
		t.Errorf("notice %q should name the skipped attachment", notice)
	}
}
