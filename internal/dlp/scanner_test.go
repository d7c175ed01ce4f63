package dlp

import (
	"context"
	"errors"
	"testing"
)

var (
	jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	pngHeader  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0, 0, 0, 0}
)

func TestRuleScannerFromEnv(t *testing.T) {
	t.Setenv("DLP_DISABLED", "true")
	if s := NewRuleScannerFromEnv(); s != nil {
		t.Fatalf("expected nil scanner when disabled")
	}

	t.Setenv("DLP_DISABLED", "")
	t.Setenv("DLP_MODE", "monitor")
	t.Setenv("DLP_MAX_FILE_SIZE", "16")
	t.Setenv("DLP_AV_PATTERNS", "EICAR, ")
	t.Setenv("DLP_BLOCKED_EXTENSIONS", "tif")
	s := NewRuleScannerFromEnv()
	if s == nil || s.Enforced() {
		t.Fatalf("expected monitor-mode scanner, got %#v", s)
	}

	ctx := context.Background()
	if err := s.ScanPage(ctx, Page{Index: 1, Name: "scan.tif", ContentType: "image/jpeg", Data: jpegHeader}); err == nil {
		t.Fatalf("configured extension not blocked")
	}
	if err := s.ScanPage(ctx, Page{Index: 1, Name: "setup.exe", ContentType: "image/jpeg", Data: jpegHeader}); err != nil {
		t.Fatalf("default extensions should be replaced: %v", err)
	}
	if err := s.ScanPage(ctx, Page{Index: 1, ContentType: "image/jpeg", Data: make([]byte, 17)}); err == nil {
		t.Fatalf("size limit not applied")
	}
}

func TestRuleScannerScanPage(t *testing.T) {
	s := NewRuleScanner(Policy{
		BlockedExtensions: []string{"exe"},
		MinPageBytes:      4,
		MaxPageBytes:      64,
		AVSignatures:      []string{"EICAR", " "},
		VerifyContent:     true,
	}, true)
	cases := []struct {
		name string
		page Page
		rule string
	}{
		{"clean jpeg", Page{Index: 1, Name: "p1.jpg", ContentType: "image/jpeg", Data: jpegHeader}, ""},
		{"jpg alias", Page{Index: 1, Name: "p1.jpg", ContentType: "image/jpg", Data: jpegHeader}, ""},
		{"clean png", Page{Index: 2, Name: "p2.png", ContentType: "image/png; charset=binary", Data: pngHeader}, ""},
		{"blocked extension", Page{Index: 1, Name: "evil.EXE", ContentType: "image/jpeg", Data: jpegHeader}, "blocked_extension"},
		{"too large", Page{Index: 3, ContentType: "image/jpeg", Data: make([]byte, 65)}, "max_file_size"},
		{"too small", Page{Index: 3, ContentType: "image/jpeg", Data: jpegHeader[:2]}, "min_file_size"},
		{"av signature", Page{Index: 1, ContentType: "image/jpeg", Data: append(append([]byte{}, jpegHeader...), "EICAR"...)}, "av_signature"},
		{"png labelled jpeg", Page{Index: 4, ContentType: "image/jpeg", Data: pngHeader}, "content_mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.ScanPage(context.Background(), tc.page)
			if tc.rule == "" {
				if err != nil {
					t.Fatalf("unexpected violation: %v", err)
				}
				return
			}
			var v *Violation
			if !errors.As(err, &v) {
				t.Fatalf("expected violation, got %v", err)
			}
			if v.Rule != tc.rule {
				t.Fatalf("rule = %s, want %s", v.Rule, tc.rule)
			}
		})
	}
}

func TestRuleScannerWithoutRules(t *testing.T) {
	s := NewRuleScanner(Policy{}, true)
	if err := s.ScanPage(context.Background(), Page{Index: 1, Name: "a.exe", Data: pngHeader, ContentType: "image/jpeg"}); err != nil {
		t.Fatalf("empty policy should pass everything: %v", err)
	}
	if !s.Enforced() {
		t.Fatalf("expected enforcing scanner")
	}
}
