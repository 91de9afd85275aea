// Package remote implements the remote side of the feed sync core: the page
// fetch and mutation submit contracts, a gRPC client and server carrying
// them, and an in-memory backend used for development and tests.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tunjid/heron-sub003/internal/cursor"
	"github.com/tunjid/heron-sub003/internal/models"
)

// Fetcher loads one page of a feed. token is the continuation returned with
// the previous page and is empty for page 0. An empty next token marks the
// last page.
type Fetcher interface {
	FetchPage(ctx context.Context, query cursor.Query, token string) (items []models.Item, next string, err error)
}

// Submitter delivers one mutation. Implementations must be idempotent per
// dedup key: resubmitting an applied mutation returns a receipt with
// Duplicate set instead of an error.
type Submitter interface {
	Submit(ctx context.Context, m models.Mutation) (Receipt, error)
}

// Backend is a full remote: what the gRPC server exposes.
type Backend interface {
	Fetcher
	Submitter
}

// Receipt acknowledges a delivered mutation.
type Receipt struct {
	// URI of the item the mutation created, if any.
	URI       string    `json:"uri,omitempty"`
	AckedAt   time.Time `json:"acked_at"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// FetchPageRequest is the wire form of a page fetch.
type FetchPageRequest struct {
	Filters   map[string]string `json:"filters,omitempty"`
	PageIndex int               `json:"page_index"`
	Anchor    time.Time         `json:"anchor"`
	Limit     int               `json:"limit"`
	Token     string            `json:"token,omitempty"`
}

// FetchPageResponse is the wire form of a fetched page.
type FetchPageResponse struct {
	Items     []models.Item `json:"items"`
	NextToken string        `json:"next_token,omitempty"`
}

// SubmitRequest is the wire form of a mutation.
type SubmitRequest struct {
	Key     models.DedupKey     `json:"key"`
	Kind    models.MutationKind `json:"kind"`
	Payload json.RawMessage     `json:"payload"`
}

// SubmitResponse is the wire form of a Receipt.
type SubmitResponse struct {
	Receipt Receipt `json:"receipt"`
}

func newFetchPageRequest(q cursor.Query, token string) *FetchPageRequest {
	return &FetchPageRequest{
		Filters:   q.Filters(),
		PageIndex: q.PageIndex,
		Anchor:    q.Anchor,
		Limit:     q.Limit,
		Token:     token,
	}
}

func (r *FetchPageRequest) query() cursor.Query {
	return cursor.New(r.Limit, r.Filters, r.Anchor).WithPage(r.PageIndex)
}

func newSubmitRequest(m models.Mutation) (*SubmitRequest, error) {
	kind, payload, err := models.EncodeMutation(m)
	if err != nil {
		return nil, err
	}
	return &SubmitRequest{Key: m.DedupKey(), Kind: kind, Payload: payload}, nil
}

func (r *SubmitRequest) mutation() (models.Mutation, error) {
	return models.DecodeMutation(r.Kind, r.Payload)
}
