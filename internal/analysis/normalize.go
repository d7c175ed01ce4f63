package analysis

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"
)

// Normalizer turns raw workflow output into a Result. Only a missing
// contractId is fatal; every other anomaly becomes a NormalizationWarning.
type Normalizer struct {
	logger zerolog.Logger
}

func NewNormalizer(logger zerolog.Logger) *Normalizer {
	return &Normalizer{logger: logger.With().Str("component", "normalizer").Logger()}
}

// normalization carries the per-call warning list.
type normalization struct {
	contractID string
	warnings   []NormalizationWarning
	logger     zerolog.Logger
}

func (n *normalization) warn(field, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	n.warnings = append(n.warnings, NormalizationWarning{Field: field, Reason: reason})
	n.logger.Warn().
		Str("contract_id", n.contractID).
		Str("field", field).
		Msg(reason)
}

func (n *Normalizer) Normalize(output map[string]any) (*Result, error) {
	rawID, ok := output["contractId"].(string)
	contractID := strings.TrimSpace(rawID)
	if !ok || contractID == "" {
		return nil, fmt.Errorf("%w: contractId missing", ErrMalformedEnvelope)
	}

	norm := &normalization{contractID: contractID, logger: n.logger}
	res := &Result{
		ContractID:  contractID,
		StorageKeys: norm.storageKeys(output),
		ClientID:    norm.scalar(output, "clientId"),
		ClientToken: norm.scalar(output, "clientToken"),
		Clauses:     []ToxicClause{},
	}

	payload, analyzed := norm.analysisPayload(output)

	// OCR pages may sit next to the analysis or inside it; the analysis wins.
	if raw, key, ok := lookup(payload, "ocrResults", "pages"); ok {
		res.Pages = norm.ocrPages(key, raw)
	}
	if res.Pages == nil {
		res.Pages = []OcrPage{}
	}

	if analyzed {
		res.OriginContent = norm.originContent(payload)
		res.Summary = norm.optionalString(payload, "summary")
		res.Commentary = norm.commentary(payload)
		if raw, key, ok := lookup(payload, "toxics", "clauses"); ok {
			res.Clauses = norm.clauses(key, raw)
		}
	}

	res.Warnings = norm.warnings
	return res, nil
}

func (n *normalization) storageKeys(output map[string]any) []string {
	keys := []string{}
	raw, field, ok := lookup(output, "storageKeys", "s3Keys")
	if !ok {
		return keys
	}
	switch t := raw.(type) {
	case string:
		if t != "" {
			keys = append(keys, t)
		}
	case []string:
		keys = append(keys, t...)
	case []any:
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				n.warn(field, "entry %d is %T, not a string", i, item)
				continue
			}
			keys = append(keys, s)
		}
	default:
		n.warn(field, "unexpected %T", raw)
	}
	return keys
}

func (n *normalization) scalar(m map[string]any, field string) string {
	raw, ok := m[field]
	if !ok || raw == nil {
		return ""
	}
	s, ok := asString(raw)
	if !ok {
		n.warn(field, "unexpected %T", raw)
	}
	return s
}

// text reads an optional scalar field of an entry; field is reported as
// at.key.
func (n *normalization) text(m map[string]any, key, at string) string {
	raw, ok := m[key]
	if !ok || raw == nil {
		return ""
	}
	s, ok := asString(raw)
	if !ok {
		n.warn(at+"."+key, "unexpected %T", raw)
	}
	return s
}

func (n *normalization) optionalString(m map[string]any, field string) *string {
	raw, ok := m[field]
	if !ok || raw == nil {
		return nil
	}
	s, ok := raw.(string)
	if !ok {
		n.warn(field, "unexpected %T", raw)
		return nil
	}
	return stringPtr(s)
}

// overlaidFields groups the analysis fields that may appear both at the
// top level of the output and inside the analysis data, with their aliases.
var overlaidFields = [][]string{
	{"ocrResults", "pages"},
	{"originContent"},
	{"summary"},
	{"ddobakCommentary", "commentary"},
	{"toxics", "clauses"},
}

// analysisPayload merges the analysis data over the top-level output, so
// fields present in both take the analysis value. When the analysis is
// unusable or reported an error, the payload is the top-level output alone
// and analyzed is false.
func (n *normalization) analysisPayload(output map[string]any) (payload map[string]any, analyzed bool) {
	top := make(map[string]any, len(output))
	for k, v := range output {
		if k != "bedrockResults" {
			top[k] = v
		}
	}

	var body map[string]any
	raw, present := output["bedrockResults"]
	switch {
	case !present:
		body = output
	case raw == nil:
		n.warn("bedrockResults", "null analysis result")
		return top, false
	default:
		var err error
		body, err = n.analysisBody(raw)
		if err != nil {
			n.warn("bedrockResults", "undecodable analysis result: %v", err)
			return top, false
		}
	}

	if status, ok := body["status"].(string); ok && strings.EqualFold(strings.TrimSpace(status), "error") {
		detail, _ := asString(body["error"])
		if detail == "" {
			detail, _ = asString(body["message"])
		}
		n.warn("bedrockResults.status", "analysis reported error: %s", detail)
		return top, false
	}

	data := body
	if rawData, ok := body["data"]; ok && rawData != nil {
		var err error
		data, err = asObject(rawData)
		if err != nil {
			n.warn("bedrockResults.data", "undecodable analysis data: %v", err)
			return top, false
		}
	}

	for _, aliases := range overlaidFields {
		next, nextKey, inData := lookup(data, aliases...)
		if !inData {
			continue
		}
		prev, prevKey, inTop := lookup(top, aliases...)
		if inTop && !reflect.DeepEqual(prev, next) {
			n.warn(prevKey, "top-level value replaced by analysis %s", nextKey)
		}
		for _, key := range aliases {
			delete(top, key)
		}
	}
	for k, v := range data {
		top[k] = v
	}
	return top, true
}

// analysisBody unwraps an object, an object with an encoded body, or a bare
// encoded string.
func (n *normalization) analysisBody(raw any) (map[string]any, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return asObject(raw)
	}
	body, ok := m["body"]
	if !ok {
		return m, nil
	}
	return asObject(body)
}

func (n *normalization) originContent(payload map[string]any) *string {
	raw, ok := payload["originContent"]
	if !ok || raw == nil {
		return nil
	}
	switch t := raw.(type) {
	case string:
		if t == "" {
			return nil
		}
		return stringPtr(t)
	case []any:
		if len(t) == 0 {
			return nil
		}
		if text, ok := textOf(t[0]); ok {
			return stringPtr(text)
		}
		n.warn("originContent", "first entry %T has no text", t[0])
		return nil
	case map[string]any:
		if text, ok := textOf(t); ok {
			return stringPtr(text)
		}
	}
	n.warn("originContent", "unexpected %T", raw)
	return nil
}

func textOf(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case map[string]any:
		s, ok := t["text"].(string)
		return s, ok
	}
	return "", false
}

func (n *normalization) ocrPages(field string, raw any) []OcrPage {
	entries, ok := asList(raw)
	if !ok {
		n.warn(field, "unexpected %T", raw)
		return nil
	}
	pages := make([]OcrPage, 0, len(entries))
	for i, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			n.warn(field, "entry %d is %T, skipped", i, entry)
			continue
		}
		num, ok := asInt(m["page"])
		if !ok {
			n.warn(field, "entry %d has unparseable page %v, skipped", i, m["page"])
			continue
		}
		page := OcrPage{Page: num}
		page.Text, _ = asString(m["text"])
		if key, _, ok := lookup(m, "s3Key", "sourceKey", "storageKey"); ok {
			page.SourceKey, _ = asString(key)
		}
		pages = append(pages, page)
	}
	return pages
}

func (n *normalization) commentary(payload map[string]any) *Commentary {
	raw, field, ok := lookup(payload, "ddobakCommentary", "commentary")
	if !ok {
		return nil
	}
	m, err := asObject(raw)
	if err != nil {
		n.warn(field, "unusable commentary: %v", err)
		return nil
	}
	pick := func(keys ...string) *string {
		v, key, ok := lookup(m, keys...)
		if !ok {
			return nil
		}
		s, ok := asString(v)
		if !ok {
			n.warn(field+"."+key, "unexpected %T", v)
			return nil
		}
		return stringPtr(s)
	}
	return &Commentary{
		Overall: pick("overallComment", "overall"),
		Warning: pick("warningComment", "warning"),
		Advice:  pick("advice"),
	}
}

func (n *normalization) clauses(field string, raw any) []ToxicClause {
	entries, ok := asList(raw)
	if !ok {
		n.warn(field, "unexpected %T", raw)
		return []ToxicClause{}
	}
	clauses := make([]ToxicClause, 0, len(entries))
	for i, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			n.warn(field, "entry %d is %T, skipped", i, entry)
			continue
		}
		at := fmt.Sprintf("%s[%d]", field, i)
		clause := ToxicClause{
			Title:           n.text(m, "title", at),
			Clause:          n.text(m, "clause", at),
			Reason:          n.text(m, "reason", at),
			ReasonReference: n.text(m, "reasonReference", at),
			WarnLevel:       n.warnLevel(at+".warnLevel", m["warnLevel"]),
		}
		clauses = append(clauses, clause)
	}
	return clauses
}

// warnLevel maps the upstream rating onto 1..3. Absent stays nil; anything
// unrecognized counts as the lowest level.
func (n *normalization) warnLevel(field string, raw any) *int {
	if raw == nil {
		return nil
	}
	level := 1
	if v, ok := asInt(raw); ok {
		level = v
		switch {
		case v < 1:
			level = 1
		case v > 3:
			level = 3
		}
		if level != v {
			n.warn(field, "level %d clamped to %d", v, level)
		}
		return &level
	}
	if s, ok := raw.(string); ok {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "HIGH":
			level = 3
			return &level
		case "MEDIUM":
			level = 2
			return &level
		case "LOW":
			level = 1
			return &level
		}
	}
	n.warn(field, "unknown level %v, using 1", raw)
	return &level
}
