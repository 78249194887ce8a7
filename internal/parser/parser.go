// Package parser turns unstructured text into ordered task records that seed
// new collection items. Any failure yields one *UpstreamError and no records.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

type Record struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Assignee    string   `json:"assignee"`
}

// Parser extracts records from raw text, preserving their order in the text.
type Parser interface {
	Parse(ctx context.Context, text string) ([]Record, error)
}

type Kind string

const (
	KindCredentials     Kind = "credentials"
	KindEmptyInput      Kind = "empty_input"
	KindModel           Kind = "model"
	KindMalformedOutput Kind = "malformed_output"
)

type UpstreamError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parser %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("parser %s: %s", e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(kind Kind, err error, format string, args ...any) *UpstreamError {
	return &UpstreamError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Decode validates model output against the record shape. It accepts either a
// bare JSON array or an object with a "records" array. Priorities and
// assignees are matched case-insensitively and returned in canonical form.
func Decode(raw string, assignees []string) ([]Record, error) {
	raw = strings.TrimSpace(stripFence(raw))
	if raw == "" {
		return nil, upstream(KindMalformedOutput, nil, "model returned no content")
	}

	var records []Record
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			return nil, upstream(KindMalformedOutput, err, "decode record list")
		}
	} else {
		var envelope struct {
			Records []Record `json:"records"`
		}
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			return nil, upstream(KindMalformedOutput, err, "decode record envelope")
		}
		records = envelope.Records
	}
	if len(records) == 0 {
		return nil, upstream(KindMalformedOutput, nil, "model returned no records")
	}

	for i := range records {
		rec := &records[i]
		rec.Title = strings.TrimSpace(rec.Title)
		rec.Description = strings.TrimSpace(rec.Description)
		if rec.Title == "" {
			return nil, upstream(KindMalformedOutput, nil, "record %d has no title", i)
		}
		priority, ok := canonical(string(rec.Priority), priorityNames())
		if !ok {
			return nil, upstream(KindMalformedOutput, nil, "record %d has unknown priority %q", i, rec.Priority)
		}
		rec.Priority = Priority(priority)
		assignee, ok := canonical(rec.Assignee, assignees)
		if !ok {
			return nil, upstream(KindMalformedOutput, nil, "record %d has unknown assignee %q", i, rec.Assignee)
		}
		rec.Assignee = assignee
	}
	return records, nil
}

func priorityNames() []string {
	names := make([]string, len(Priorities))
	for i, p := range Priorities {
		names[i] = string(p)
	}
	return names
}

func canonical(value string, allowed []string) (string, bool) {
	value = strings.TrimSpace(value)
	for _, candidate := range allowed {
		if strings.EqualFold(candidate, value) {
			return candidate, true
		}
	}
	return "", false
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimPrefix(raw, "json")
	return strings.TrimSuffix(strings.TrimSpace(raw), "```")
}

// AsUpstream reports whether err carries an *UpstreamError.
func AsUpstream(err error) (*UpstreamError, bool) {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr, true
	}
	return nil, false
}
