package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MutationKind tags the variants of Mutation.
type MutationKind string

const (
	MutationKindLike       MutationKind = "like"
	MutationKindRepost     MutationKind = "repost"
	MutationKindSend       MutationKind = "send"
	MutationKindReact      MutationKind = "react"
	MutationKindConnection MutationKind = "connection"
	MutationKindPost       MutationKind = "post"
)

// DedupKey identifies logically-the-same mutation, e.g. "like:<post uri>".
type DedupKey string

// Mutation errors.
var (
	ErrUnknownMutationKind = errors.New("unknown mutation kind")
	ErrNilMutation         = errors.New("mutation is required")
)

// Mutation is a local write waiting to be delivered to the remote.
// The set of variants is closed; switch on the concrete type.
type Mutation interface {
	Kind() MutationKind
	DedupKey() DedupKey
	Created() time.Time
	Validate() error

	withoutMeta() Mutation
}

// MutationMeta carries fields shared by every variant.
type MutationMeta struct {
	// CreatedAt is when the user performed the action. Zero means "now".
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Created returns the creation time of the mutation.
func (m MutationMeta) Created() time.Time { return m.CreatedAt }

// Like likes (or with Undo, unlikes) a post.
type Like struct {
	MutationMeta
	PostURI string `json:"post_uri"`
	Undo    bool   `json:"undo,omitempty"`
}

// Repost reposts (or with Undo, removes the repost of) a post.
type Repost struct {
	MutationMeta
	PostURI string `json:"post_uri"`
	Undo    bool   `json:"undo,omitempty"`
}

// Send sends a direct message into a conversation.
type Send struct {
	MutationMeta
	ConversationID  string `json:"conversation_id"`
	ClientMessageID string `json:"client_message_id"`
	Text            string `json:"text"`
}

// React adds or removes an emoji reaction on a message.
type React struct {
	MutationMeta
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
	Remove         bool   `json:"remove,omitempty"`
}

// Connection follows or unfollows a profile.
type Connection struct {
	MutationMeta
	ProfileID string `json:"profile_id"`
	Follow    bool   `json:"follow"`
}

// Post publishes a new post, optionally as a reply.
type Post struct {
	MutationMeta
	ClientPostID string `json:"client_post_id"`
	Text         string `json:"text"`
	ReplyTo      string `json:"reply_to,omitempty"`
}

func (Like) Kind() MutationKind       { return MutationKindLike }
func (Repost) Kind() MutationKind     { return MutationKindRepost }
func (Send) Kind() MutationKind       { return MutationKindSend }
func (React) Kind() MutationKind      { return MutationKindReact }
func (Connection) Kind() MutationKind { return MutationKindConnection }
func (Post) Kind() MutationKind       { return MutationKindPost }

func (m Like) DedupKey() DedupKey   { return dedupKey(MutationKindLike, m.PostURI) }
func (m Repost) DedupKey() DedupKey { return dedupKey(MutationKindRepost, m.PostURI) }
func (m Send) DedupKey() DedupKey {
	return dedupKey(MutationKindSend, m.ConversationID, m.ClientMessageID)
}
func (m React) DedupKey() DedupKey {
	return dedupKey(MutationKindReact, m.ConversationID, m.MessageID, m.Emoji)
}
func (m Connection) DedupKey() DedupKey { return dedupKey(MutationKindConnection, m.ProfileID) }
func (m Post) DedupKey() DedupKey       { return dedupKey(MutationKindPost, m.ClientPostID) }

func (m Like) withoutMeta() Mutation       { m.MutationMeta = MutationMeta{}; return m }
func (m Repost) withoutMeta() Mutation     { m.MutationMeta = MutationMeta{}; return m }
func (m Send) withoutMeta() Mutation       { m.MutationMeta = MutationMeta{}; return m }
func (m React) withoutMeta() Mutation      { m.MutationMeta = MutationMeta{}; return m }
func (m Connection) withoutMeta() Mutation { m.MutationMeta = MutationMeta{}; return m }
func (m Post) withoutMeta() Mutation       { m.MutationMeta = MutationMeta{}; return m }

func (m Like) Validate() error {
	validation := &ValidationErrors{}
	validation.RequireRecordURI("post_uri", m.PostURI)
	return validation.Err()
}

func (m Repost) Validate() error {
	validation := &ValidationErrors{}
	validation.RequireRecordURI("post_uri", m.PostURI)
	return validation.Err()
}

func (m Send) Validate() error {
	validation := &ValidationErrors{}
	validation.Require("conversation_id", m.ConversationID)
	validation.Require("client_message_id", m.ClientMessageID)
	validation.Require("text", m.Text)
	validation.LimitBytes("text", m.Text, MaxMessageBytes)
	return validation.Err()
}

func (m React) Validate() error {
	validation := &ValidationErrors{}
	validation.Require("conversation_id", m.ConversationID)
	validation.Require("message_id", m.MessageID)
	validation.Require("emoji", m.Emoji)
	return validation.Err()
}

func (m Connection) Validate() error {
	validation := &ValidationErrors{}
	validation.Require("profile_id", m.ProfileID)
	return validation.Err()
}

func (m Post) Validate() error {
	validation := &ValidationErrors{}
	validation.Require("client_post_id", m.ClientPostID)
	validation.Require("text", m.Text)
	validation.LimitBytes("text", m.Text, MaxMessageBytes)
	return validation.Err()
}

// MaxMessageBytes bounds text payloads of Send and Post.
const MaxMessageBytes = 10 * 1024

// SamePayload reports whether two mutations carry identical content,
// ignoring when they were created.
func SamePayload(a, b Mutation) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.withoutMeta() == b.withoutMeta()
}

// WithCreatedAt returns m with its creation time set.
func WithCreatedAt(m Mutation, at time.Time) Mutation {
	meta := MutationMeta{CreatedAt: at.UTC()}
	switch v := m.(type) {
	case Like:
		v.MutationMeta = meta
		return v
	case Repost:
		v.MutationMeta = meta
		return v
	case Send:
		v.MutationMeta = meta
		return v
	case React:
		v.MutationMeta = meta
		return v
	case Connection:
		v.MutationMeta = meta
		return v
	case Post:
		v.MutationMeta = meta
		return v
	default:
		return m
	}
}

// EncodeMutation serializes a mutation for durable storage.
func EncodeMutation(m Mutation) (MutationKind, json.RawMessage, error) {
	if m == nil {
		return "", nil, ErrNilMutation
	}
	switch m.(type) {
	case Like, Repost, Send, React, Connection, Post:
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnknownMutationKind, m)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s mutation: %w", m.Kind(), err)
	}
	return m.Kind(), data, nil
}

// DecodeMutation restores a mutation written by EncodeMutation.
func DecodeMutation(kind MutationKind, payload json.RawMessage) (Mutation, error) {
	switch kind {
	case MutationKindLike:
		return decodeAs[Like](kind, payload)
	case MutationKindRepost:
		return decodeAs[Repost](kind, payload)
	case MutationKindSend:
		return decodeAs[Send](kind, payload)
	case MutationKindReact:
		return decodeAs[React](kind, payload)
	case MutationKindConnection:
		return decodeAs[Connection](kind, payload)
	case MutationKindPost:
		return decodeAs[Post](kind, payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutationKind, kind)
	}
}

func decodeAs[M Mutation](kind MutationKind, payload json.RawMessage) (Mutation, error) {
	var m M
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode %s mutation: %w", kind, err)
	}
	return m, nil
}

func dedupKey(kind MutationKind, parts ...string) DedupKey {
	trimmed := make([]string, 0, len(parts)+1)
	trimmed = append(trimmed, string(kind))
	for _, part := range parts {
		trimmed = append(trimmed, strings.TrimSpace(part))
	}
	return DedupKey(strings.Join(trimmed, ":"))
}
