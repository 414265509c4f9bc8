package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"qnasession/internal/domain"
	"qnasession/internal/store"
)

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Manage Q&A messages",
	}

	var roomID, content, userID, roomName string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a pending message to a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(content) == "" {
				return fmt.Errorf("--content must not be empty")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if roomName != "" {
				if err := st.SaveRoom(ctx, domain.Room{ID: roomID, Name: roomName}); err != nil {
					return err
				}
			}
			msg := &domain.Message{RoomID: roomID, UserID: userID, Content: content}
			if err := st.SaveMessage(ctx, msg); err != nil {
				return err
			}
			fmt.Println(msg.ID)
			return nil
		},
	}
	add.Flags().StringVar(&roomID, "room", "", "room id")
	add.Flags().StringVar(&content, "content", "", "message text")
	add.Flags().StringVar(&userID, "user", "", "author id")
	add.Flags().StringVar(&roomName, "room-name", "", "create or rename the room")
	add.MarkFlagRequired("room")
	add.MarkFlagRequired("content")
	cmd.AddCommand(add)

	return cmd
}
