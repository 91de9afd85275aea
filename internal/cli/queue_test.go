package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/remote"
	"github.com/tunjid/heron-sub003/internal/writequeue"
)

const likedPost = "at://did:example:bob/post/1"

func resetMutateFlags(t *testing.T) {
	t.Helper()
	mutateUndo, mutateDrain, mutateRemove, mutateReplyTo = false, false, false, ""
	queueStatus, queueDrain = "", false
	t.Cleanup(func() {
		mutateUndo, mutateDrain, mutateRemove, mutateReplyTo = false, false, false, ""
		queueStatus, queueDrain = "", false
	})
}

// queueEntryOutput is the decodable part of QueueEntryView.
type queueEntryOutput struct {
	Key       models.DedupKey         `json:"key"`
	Kind      models.MutationKind     `json:"kind"`
	Status    models.QueueEntryStatus `json:"status"`
	Attempts  int                     `json:"attempts"`
	LastError string                  `json:"last_error"`
	ErrorKind models.ErrorKind        `json:"error_kind"`
}

func listQueue(t *testing.T) []queueEntryOutput {
	t.Helper()
	jsonOutput = true
	defer func() { jsonOutput = false }()

	out, err := captureStdout(t, func() error { return queueListCmd.RunE(queueListCmd, nil) })
	require.NoError(t, err)

	var views []queueEntryOutput
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	return views
}

func TestEnqueueOfflineKeepsMutationQueued(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)
	jsonOutput = true

	out, err := captureStdout(t, func() error { return likeCmd.RunE(likeCmd, []string{likedPost}) })
	require.NoError(t, err)

	var result EnqueueResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, models.Like{PostURI: likedPost}.DedupKey(), result.Key)
	require.Equal(t, writequeue.StatusEnqueued.String(), result.Status)
	require.Nil(t, result.Delivery)

	views := listQueue(t)
	require.Len(t, views, 1)
	require.Equal(t, result.Key, views[0].Key)
	require.Equal(t, models.QueueEntryStatusPending, views[0].Status)
	require.Equal(t, models.MutationKindLike, views[0].Kind)
}

func TestEnqueueSameMutationTwiceIsDuplicate(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)
	jsonOutput = true

	_, err := captureStdout(t, func() error { return likeCmd.RunE(likeCmd, []string{likedPost}) })
	require.NoError(t, err)

	out, err := captureStdout(t, func() error { return likeCmd.RunE(likeCmd, []string{likedPost}) })
	require.NoError(t, err)

	var result EnqueueResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, writequeue.StatusDuplicate.String(), result.Status)
	require.Len(t, listQueue(t), 1)
}

func TestEnqueueWithDrainDelivers(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)
	backend := remote.NewMemoryBackend(remote.WithViewer("did:example:alice"))
	useBackend(t, backend)
	mutateDrain = true
	jsonOutput = true

	out, err := captureStdout(t, func() error { return likeCmd.RunE(likeCmd, []string{likedPost}) })
	require.NoError(t, err)

	var result EnqueueResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.Delivery)
	require.Equal(t, DrainSummary{Attempted: 1}, *result.Delivery)
	require.True(t, backend.Liked(likedPost))
	require.Empty(t, listQueue(t))
}

func TestDrainFailsRejectedMutationThenDismiss(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)
	backend := remote.NewMemoryBackend()
	backend.SetFaults(remote.Faults{RejectKinds: []models.MutationKind{models.MutationKindLike}})
	useBackend(t, backend)

	quiet = true
	_, err := captureStdout(t, func() error { return likeCmd.RunE(likeCmd, []string{likedPost}) })
	require.NoError(t, err)

	jsonOutput = true
	out, err := captureStdout(t, func() error { return queueDrainCmd.RunE(queueDrainCmd, nil) })
	require.NoError(t, err)
	var summary DrainSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, DrainSummary{Attempted: 1, Failed: 1}, summary)

	queueStatus = string(models.QueueEntryStatusFailed)
	views := listQueue(t)
	require.Len(t, views, 1)
	require.Equal(t, models.ErrorKindRemoteRejected, views[0].ErrorKind)
	require.NotEmpty(t, views[0].LastError)

	key := string(views[0].Key)
	_, err = captureStdout(t, func() error { return queueDismissCmd.RunE(queueDismissCmd, []string{key}) })
	require.NoError(t, err)

	queueStatus = ""
	require.Empty(t, listQueue(t))
}

func TestRetryMovesFailedBackToPending(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)
	backend := remote.NewMemoryBackend()
	backend.SetFaults(remote.Faults{RejectKinds: []models.MutationKind{models.MutationKindLike}})
	useBackend(t, backend)
	quiet = true

	mutateDrain = true
	_, err := captureStdout(t, func() error { return likeCmd.RunE(likeCmd, []string{likedPost}) })
	require.NoError(t, err)

	key := string(models.Like{PostURI: likedPost}.DedupKey())
	_, err = captureStdout(t, func() error { return queueRetryCmd.RunE(queueRetryCmd, []string{key}) })
	require.NoError(t, err)

	views := listQueue(t)
	require.Len(t, views, 1)
	require.Equal(t, models.QueueEntryStatusPending, views[0].Status)
	require.Zero(t, views[0].Attempts)

	backend.SetFaults(remote.Faults{})
	queueDrain = true
	_, err = captureStdout(t, func() error { return queueRetryCmd.RunE(queueRetryCmd, []string{key}) })
	require.ErrorIs(t, err, writequeue.ErrEntryNotFailed)
}

func TestRetryUnknownKey(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)

	_, err := captureStdout(t, func() error { return queueRetryCmd.RunE(queueRetryCmd, []string{"like:at://nope"}) })
	require.ErrorIs(t, err, writequeue.ErrEntryNotFound)
}

func TestQueueDrainOfflineFails(t *testing.T) {
	setupCLI(t)
	resetMutateFlags(t)

	_, err := captureStdout(t, func() error { return queueDrainCmd.RunE(queueDrainCmd, nil) })
	require.ErrorIs(t, err, errOffline)
}

func TestDrainSummaryString(t *testing.T) {
	require.Equal(t, "Made 1 delivery attempt: 0 pending, 1 failed.", DrainSummary{Attempted: 1, Failed: 1}.String())
}
