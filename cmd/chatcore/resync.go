package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/model"
)

// resyncCmd replays a conversation's already-persisted messages onto
// their routed delivery stream. This is the explicit, opt-in form of
// what an implicit startup replay would do automatically; making it an
// operator-invoked command avoids silently duplicating fan-out on every
// process restart, since the core only guarantees at-least-once delivery
// and has no cross-restart dedup beyond messageId.
func resyncCmd(configPath *string) *cobra.Command {
	var conversationID string
	var limit int

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Replay a conversation's persisted messages onto its delivery stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" {
				return fmt.Errorf("--conversation is required")
			}

			ctx := cmd.Context()
			a, err := buildApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			messages, err := a.store.ListMessages(ctx, conversationID, limit)
			if err != nil {
				return fmt.Errorf("list messages: %w", err)
			}

			conv, err := a.convs.GetConversation(ctx, conversationID)
			if err != nil {
				a.log.Warn().Err(err).Str("conversationId", conversationID).Msg("conversation metadata unavailable, routing to group stream")
				conv = model.ConversationRef{ID: conversationID}
			}

			for _, msg := range messages {
				a.pipeline.Republish(ctx, msg, conv)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "republished %d messages from conversation %s\n", len(messages), conversationID)
			return nil
		},
	}

	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to resync (required)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum messages to replay (0 = all)")
	return cmd
}
