package dlp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Violation describes a DLP/AV policy failure.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("dlp violation (%s): %s", v.Rule, v.Detail)
}

// Page is one uploaded contract page as seen by the scanner. Index is 1-based.
type Page struct {
	Index       int
	Name        string
	ContentType string
	Data        []byte
}

// Scanner executes policy checks on uploaded pages. In monitor mode
// (Enforced false) callers record violations instead of rejecting the page.
type Scanner interface {
	ScanPage(ctx context.Context, page Page) error
	Enforced() bool
}

// Policy configures a RuleScanner. Zero sizes disable the size rules.
type Policy struct {
	BlockedExtensions []string
	MinPageBytes      int
	MaxPageBytes      int
	AVSignatures      []string
	VerifyContent     bool
}

var defaultBlockedExtensions = []string{".exe", ".bat", ".ps1", ".js"}

// rule returns nil when the page passes.
type rule func(Page) *Violation

// RuleScanner applies its rules in order and reports the first violation.
type RuleScanner struct {
	rules   []rule
	enforce bool
}

func NewRuleScanner(policy Policy, enforce bool) *RuleScanner {
	s := &RuleScanner{enforce: enforce}
	if blocked := extensionSet(policy.BlockedExtensions); len(blocked) > 0 {
		s.rules = append(s.rules, blockedExtension(blocked))
	}
	if policy.MinPageBytes > 0 || policy.MaxPageBytes > 0 {
		s.rules = append(s.rules, pageSize(policy.MinPageBytes, policy.MaxPageBytes))
	}
	var sigs [][]byte
	for _, sig := range policy.AVSignatures {
		if sig = strings.TrimSpace(sig); sig != "" {
			sigs = append(sigs, []byte(sig))
		}
	}
	if len(sigs) > 0 {
		s.rules = append(s.rules, avSignature(sigs))
	}
	if policy.VerifyContent {
		s.rules = append(s.rules, contentMatchesDeclaredType)
	}
	return s
}

// NewRuleScannerFromEnv builds a scanner from DLP_* environment variables.
// It returns nil when DLP_DISABLED=true.
func NewRuleScannerFromEnv() Scanner {
	if strings.EqualFold(os.Getenv("DLP_DISABLED"), "true") {
		return nil
	}
	policy := Policy{
		BlockedExtensions: defaultBlockedExtensions,
		MinPageBytes:      sizeEnv("DLP_MIN_FILE_SIZE"),
		MaxPageBytes:      sizeEnv("DLP_MAX_FILE_SIZE"),
		AVSignatures:      listEnv("DLP_AV_PATTERNS"),
		VerifyContent:     !strings.EqualFold(os.Getenv("DLP_VERIFY_CONTENT"), "false"),
	}
	if exts := listEnv("DLP_BLOCKED_EXTENSIONS"); len(exts) > 0 {
		policy.BlockedExtensions = exts
	}
	return NewRuleScanner(policy, !strings.EqualFold(os.Getenv("DLP_MODE"), "monitor"))
}

func (s *RuleScanner) Enforced() bool {
	return s.enforce
}

func (s *RuleScanner) ScanPage(_ context.Context, page Page) error {
	for _, check := range s.rules {
		if v := check(page); v != nil {
			return v
		}
	}
	return nil
}

func blockedExtension(blocked map[string]struct{}) rule {
	return func(page Page) *Violation {
		ext := strings.ToLower(filepath.Ext(page.Name))
		if _, ok := blocked[ext]; !ok || ext == "" {
			return nil
		}
		return &Violation{
			Rule:   "blocked_extension",
			Detail: fmt.Sprintf("page %d: extension %q not allowed", page.Index, ext),
		}
	}
}

func pageSize(lo, hi int) rule {
	return func(page Page) *Violation {
		n := len(page.Data)
		switch {
		case hi > 0 && n > hi:
			return &Violation{
				Rule:   "max_file_size",
				Detail: fmt.Sprintf("page %d: size %d exceeds limit %d", page.Index, n, hi),
			}
		case lo > 0 && n < lo:
			return &Violation{
				Rule:   "min_file_size",
				Detail: fmt.Sprintf("page %d: size %d below minimum %d", page.Index, n, lo),
			}
		}
		return nil
	}
}

func avSignature(sigs [][]byte) rule {
	return func(page Page) *Violation {
		for _, sig := range sigs {
			if bytes.Contains(page.Data, sig) {
				return &Violation{
					Rule:   "av_signature",
					Detail: fmt.Sprintf("page %d matched AV signature", page.Index),
				}
			}
		}
		return nil
	}
}

// contentMatchesDeclaredType compares the declared media type against the
// page's magic bytes.
func contentMatchesDeclaredType(page Page) *Violation {
	declared := canonicalImageType(page.ContentType)
	if declared == "" || len(page.Data) == 0 {
		return nil
	}
	if sniffed := canonicalImageType(http.DetectContentType(page.Data)); sniffed != declared {
		return &Violation{
			Rule:   "content_mismatch",
			Detail: fmt.Sprintf("page %d declared %s but content is %s", page.Index, declared, sniffed),
		}
	}
	return nil
}

// canonicalImageType folds the jpeg aliases together and strips parameters.
func canonicalImageType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpg", "image/pjpeg":
		return "image/jpeg"
	}
	return ct
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

func listEnv(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func sizeEnv(key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
