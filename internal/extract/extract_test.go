package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestPlainExtractText(t *testing.T) {
	path := writeTemp(t, "doc.txt", "hello from a plain text document")

	for _, ext := range []string{"txt", ".txt", "TXT"} {
		text, err := Plain{}.Extract(path, ext)
		if err != nil {
			t.Fatalf("Extract(%q) error: %v", ext, err)
		}
		if text != "hello from a plain text document" {
			t.Fatalf("Extract(%q)=%q", ext, text)
		}
	}
}

func TestPlainExtractSentinels(t *testing.T) {
	cases := []struct {
		ext  string
		want string
	}{
		{"pdf", SentinelOCRPending},
		{"png", SentinelOCRPending},
		{"jpeg", SentinelOCRPending},
		{"docx", SentinelUnsupported},
		{"exe", SentinelUnsupported},
	}
	for _, tc := range cases {
		text, err := Plain{}.Extract("/nonexistent", tc.ext)
		if err != nil {
			t.Fatalf("Extract(%q) error: %v", tc.ext, err)
		}
		if text != tc.want {
			t.Fatalf("Extract(%q)=%q, want %q", tc.ext, text, tc.want)
		}
	}
}

func TestPlainExtractUnreadableText(t *testing.T) {
	if _, err := (Plain{}).Extract(filepath.Join(t.TempDir(), "missing.txt"), "txt"); err == nil {
		t.Fatal("expected error for missing text file")
	}
}

func TestOCRFallbackTriggersBelowThreshold(t *testing.T) {
	path := writeTemp(t, "scan.png", "")

	ex := WithOCRFallback(Plain{}, func(p string) (string, error) {
		return "recovered via ocr", nil
	})
	text, err := ex.Extract(path, "png")
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if text != "recovered via ocr" {
		t.Fatalf("text=%q, want ocr output", text)
	}
}

func TestOCRFallbackSkippedForLongText(t *testing.T) {
	path := writeTemp(t, "doc.txt", "this document already has plenty of directly extracted text")

	ex := WithOCRFallback(Plain{}, func(p string) (string, error) {
		t.Fatal("ocr must not run when direct extraction suffices")
		return "", nil
	})
	text, err := ex.Extract(path, "txt")
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if text == "" {
		t.Fatal("direct text lost")
	}
}

func TestOCRFailureFallsBackToDirectResult(t *testing.T) {
	path := writeTemp(t, "scan.jpg", "")

	ex := WithOCRFallback(Plain{}, func(p string) (string, error) {
		return "", errors.New("ocr backend down")
	})
	text, err := ex.Extract(path, "jpg")
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if text != SentinelOCRPending {
		t.Fatalf("text=%q, want sentinel", text)
	}
}

func TestOCRFallbackLeavesUnsupportedAlone(t *testing.T) {
	ex := WithOCRFallback(Plain{}, func(p string) (string, error) {
		t.Fatal("ocr must not run for unsupported extensions")
		return "", nil
	})
	text, err := ex.Extract("/ignored", "zip")
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if text != SentinelUnsupported {
		t.Fatalf("text=%q, want unsupported sentinel", text)
	}
}
