// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest is returned for malformed comparison requests. It is the
// only error the orchestrator surfaces to callers.
var ErrInvalidRequest = errors.New("invalid comparison request")

// ErrInvalidOutput marks a stage output that failed boundary validation.
var ErrInvalidOutput = errors.New("invalid stage output")

// Clause is one numbered clause of a parsed contract.
type Clause struct {
	ID      string `json:"id" validate:"required,max=128"`
	Number  string `json:"number,omitempty" validate:"max=32"`
	Heading string `json:"heading,omitempty" validate:"max=512"`
	Text    string `json:"text" validate:"required"`
}

// Document is a parsed contract: an identifier and its ordered clauses.
type Document struct {
	ID      string   `json:"id" validate:"required,max=128"`
	Title   string   `json:"title,omitempty"`
	Clauses []Clause `json:"clauses" validate:"required,min=1,max=2000,dive"`
}

// RequestOptions tunes a single run.
type RequestOptions struct {
	// SkipSnapshot bypasses the snapshot cache for this run only.
	SkipSnapshot bool `json:"skip_snapshot,omitempty"`
}

// ComparisonRequest asks the pipeline to compare DocumentA (baseline or
// upstream contract) with DocumentB (revision or downstream contract).
type ComparisonRequest struct {
	RequestID string         `json:"request_id,omitempty" validate:"max=128"`
	DocumentA Document       `json:"document_a" validate:"required"`
	DocumentB Document       `json:"document_b" validate:"required"`
	Options   RequestOptions `json:"options,omitempty"`
}

// FingerprintView is the part of the request that determines the result.
// RequestID and options are excluded so resubmissions share a fingerprint.
type FingerprintView struct {
	DocumentA Document `json:"document_a"`
	DocumentB Document `json:"document_b"`
}

// FingerprintView returns the result-determining part of the request.
func (r *ComparisonRequest) FingerprintView() FingerprintView {
	return FingerprintView{DocumentA: r.DocumentA, DocumentB: r.DocumentB}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags plus rules the tags cannot express: clause
// IDs unique within a document and non-blank clause text.
func (r *ComparisonRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if err := Validator().Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describeValidation(err))
	}
	for _, doc := range []Document{r.DocumentA, r.DocumentB} {
		seen := make(map[string]struct{}, len(doc.Clauses))
		for _, c := range doc.Clauses {
			if strings.TrimSpace(c.Text) == "" {
				return fmt.Errorf("%w: document %s clause %s has blank text", ErrInvalidRequest, doc.ID, c.ID)
			}
			if _, dup := seen[c.ID]; dup {
				return fmt.Errorf("%w: document %s has duplicate clause id %s", ErrInvalidRequest, doc.ID, c.ID)
			}
			seen[c.ID] = struct{}{}
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// ClauseIndex maps clause IDs to clauses for one document.
type ClauseIndex map[string]Clause

// Index builds a ClauseIndex for d.
func (d Document) Index() ClauseIndex {
	idx := make(ClauseIndex, len(d.Clauses))
	for _, c := range d.Clauses {
		idx[c.ID] = c
	}
	return idx
}

// FullText concatenates all clause headings and texts, used by checks that
// need to know whether a fact appears anywhere in the document.
func (d Document) FullText() string {
	var b strings.Builder
	for _, c := range d.Clauses {
		if c.Number != "" {
			b.WriteString(c.Number)
			b.WriteByte(' ')
		}
		if c.Heading != "" {
			b.WriteString(c.Heading)
			b.WriteByte('\n')
		}
		b.WriteString(c.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
