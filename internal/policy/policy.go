// Package policy is the behavior control plane: versioned policy releases in
// the store, and a cached provider that serves the active ReplyPolicy with
// bounded staleness and fail-safe degradation. Policy reads never fail:
// a broken store degrades to the last successfully fetched policy, then to a
// statically configured fallback.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/warrenhq/warren/internal/store"
)

// ReplyPolicy is the subset of a policy release the core consumes.
type ReplyPolicy struct {
	ReplyEnabled                bool    `json:"replyEnabled" yaml:"reply_enabled"`
	PrecheckEnabled             bool    `json:"precheckEnabled" yaml:"precheck_enabled"`
	PerPersonaHourlyReplyLimit  int     `json:"perPersonaHourlyReplyLimit" yaml:"per_persona_hourly_reply_limit" validate:"gte=0"`
	PerPostCooldownSeconds      int     `json:"perPostCooldownSeconds" yaml:"per_post_cooldown_seconds" validate:"gte=0"`
	PrecheckSimilarityThreshold float64 `json:"precheckSimilarityThreshold" yaml:"precheck_similarity_threshold" validate:"gte=0,lte=1"`
}

// Document is the nested policy body of a release. ReplyPolicy lives under
// the well-known "reply" path; other sections belong to other subsystems
// and pass through untouched.
type Document struct {
	Reply ReplyPolicy `json:"reply" validate:"required"`
}

var validate = validator.New()

// ParseDocument decodes and validates a release body. A malformed or
// invalid body is a fetch failure for the provider.
func ParseDocument(body []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate policy document: %w", err)
	}
	return &doc, nil
}

// EncodeDocument renders a document back to a release body.
func EncodeDocument(doc *Document) ([]byte, error) {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode policy document: %w", err)
	}
	return body, nil
}

// ReleaseSource fetches the currently active release. *store.Store satisfies
// this; tests substitute fakes.
type ReleaseSource interface {
	FetchLatestActive() (*store.PolicyRelease, error)
}
