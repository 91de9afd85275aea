package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tunjid/heron-sub003/internal/models"
	"github.com/tunjid/heron-sub003/internal/writequeue"
)

var (
	mutateUndo    bool
	mutateDrain   bool
	mutateReplyTo string
	mutateRemove  bool
)

func init() {
	for _, cmd := range []*cobra.Command{likeCmd, repostCmd, sendCmd, reactCmd, followCmd, unfollowCmd, postCmd} {
		cmd.Flags().BoolVar(&mutateDrain, "drain", false, "deliver immediately instead of leaving the mutation queued")
		rootCmd.AddCommand(cmd)
	}
	likeCmd.Flags().BoolVar(&mutateUndo, "undo", false, "remove the like")
	repostCmd.Flags().BoolVar(&mutateUndo, "undo", false, "remove the repost")
	reactCmd.Flags().BoolVar(&mutateRemove, "remove", false, "remove the reaction")
	postCmd.Flags().StringVar(&mutateReplyTo, "reply-to", "", "uri of the post to reply to")
}

var likeCmd = &cobra.Command{
	Use:   "like <post-uri>",
	Short: "Queue a like",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.Like{PostURI: args[0], Undo: mutateUndo})
	},
}

var repostCmd = &cobra.Command{
	Use:   "repost <post-uri>",
	Short: "Queue a repost",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.Repost{PostURI: args[0], Undo: mutateUndo})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Queue a direct message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.Send{
			ConversationID:  args[0],
			ClientMessageID: uuid.New().String(),
			Text:            args[1],
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Queue a reaction on a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.React{
			ConversationID: args[0],
			MessageID:      args[1],
			Emoji:          args[2],
			Remove:         mutateRemove,
		})
	},
}

var followCmd = &cobra.Command{
	Use:   "follow <profile-id>",
	Short: "Queue a follow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.Connection{ProfileID: args[0], Follow: true})
	},
}

var unfollowCmd = &cobra.Command{
	Use:   "unfollow <profile-id>",
	Short: "Queue an unfollow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.Connection{ProfileID: args[0], Follow: false})
	},
}

var postCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Queue a new post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enqueueMutation(models.Post{
			ClientPostID: uuid.New().String(),
			Text:         args[0],
			ReplyTo:      mutateReplyTo,
		})
	},
}

// EnqueueResult is the output of a mutation command.
type EnqueueResult struct {
	Key      models.DedupKey `json:"key"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Delivery *DrainSummary   `json:"delivery,omitempty"`
}

func enqueueMutation(m models.Mutation) error {
	ctx := context.Background()
	rt, err := openRuntime(ctx, mutateDrain)
	if err != nil {
		return err
	}
	defer rt.Close()

	status, enqueueErr := rt.queue.Enqueue(ctx, m)
	result := EnqueueResult{Key: m.DedupKey(), Status: status.String()}
	if enqueueErr != nil {
		result.Error = enqueueErr.Error()
	}
	if mutateDrain && status != writequeue.StatusDropped {
		summary, err := drainQueue(ctx, rt.queue)
		if err != nil {
			return err
		}
		result.Delivery = &summary
	}

	if structuredOutput() {
		if err := WriteOutput(stdout(), result); err != nil {
			return err
		}
	} else if !IsQuiet() {
		fmt.Fprintf(stdout(), "%s %s\n", result.Status, result.Key)
		if result.Delivery != nil {
			fmt.Fprintln(stdout(), result.Delivery.String())
		}
	}
	if status == writequeue.StatusDropped {
		return fmt.Errorf("mutation dropped: %w", enqueueErr)
	}
	return nil
}
