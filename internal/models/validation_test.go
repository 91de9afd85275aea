package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorsIs(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("uri", ErrItemURIRequired)

	err := validation.Err()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrItemURIRequired)
	require.NotErrorIs(t, err, ErrItemFeedRequired)
}

func TestValidationErrorsNestedFields(t *testing.T) {
	nested := &ValidationErrors{}
	nested.AddMessage("text", "is required")

	validation := &ValidationErrors{}
	validation.Add("successor", nested)

	var list *ValidationErrors
	require.True(t, errors.As(validation.Err(), &list))
	require.Equal(t, []string{"successor.text"}, list.Fields())
	require.Equal(t, "successor.text: is required", list.Error())
}

func TestValidationErrorsEmpty(t *testing.T) {
	validation := &ValidationErrors{}
	validation.Add("ignored", nil)
	validation.AddMessage("ignored", "")
	require.NoError(t, validation.Err())
}

func TestItemValidate(t *testing.T) {
	item := Item{Delivery: DeliverySending}
	err := item.Validate()

	var list *ValidationErrors
	require.True(t, errors.As(err, &list))
	require.Equal(t, []string{"uri", "feed", "sort_at", "delivery"}, list.Fields())
	require.ErrorIs(t, err, ErrItemSortAtRequired)
}

func TestRequireRecordURI(t *testing.T) {
	tests := []struct {
		name  string
		uri   string
		field []string
		cause error
	}{
		{name: "record", uri: "at://did:example:bob/app.feed.post/3k2"},
		{name: "short path", uri: "at://p/1"},
		{name: "blank", uri: "  ", field: []string{"post_uri"}},
		{name: "no scheme", uri: "did:example:bob/post/1", field: []string{"post_uri"}, cause: ErrInvalidRecordURI},
		{name: "no path", uri: "at://did:example:bob", field: []string{"post_uri"}, cause: ErrInvalidRecordURI},
		{name: "no authority", uri: "at:///post/1", field: []string{"post_uri"}, cause: ErrInvalidRecordURI},
		{name: "whitespace", uri: "at://did:example:bob/post 1", field: []string{"post_uri"}, cause: ErrInvalidRecordURI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validation := &ValidationErrors{}
			validation.RequireRecordURI("post_uri", tt.uri)
			if tt.field == nil {
				require.NoError(t, validation.Err())
				return
			}
			require.Equal(t, tt.field, validation.Fields())
			if tt.cause != nil {
				require.ErrorIs(t, validation.Err(), tt.cause)
			}
		})
	}
}

func TestQueueEntryValidateQualifiesSuccessorFields(t *testing.T) {
	send := Send{ConversationID: "c1", ClientMessageID: "m1", Text: "hi"}
	entry := &QueueEntry{Key: send.DedupKey(), Mutation: send}
	entry.Successor = Send{ConversationID: "c1", ClientMessageID: "m1", Text: strings.Repeat("a", MaxMessageBytes+1)}

	var list *ValidationErrors
	require.True(t, errors.As(entry.Validate(), &list))
	require.Equal(t, []string{"successor.text"}, list.Fields())
	require.Equal(t, fmt.Sprintf("successor.text: exceeds %d bytes", MaxMessageBytes), list.Error())

	entry.Mutation = Send{ConversationID: "c1", ClientMessageID: "m1"}
	require.True(t, errors.As(entry.Validate(), &list))
	require.Equal(t, []string{"mutation.text", "successor.text"}, list.Fields())
}
