package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/inboundq/internal/coordinator"
	"github.com/nextlevelbuilder/inboundq/internal/store"
)

func bufferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect and flush conversation buffers",
	}
	cmd.AddCommand(bufferSizeCmd())
	cmd.AddCommand(bufferFlushCmd())
	cmd.AddCommand(bufferKeysCmd())
	return cmd
}

func bufferSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size <conversation-key>",
		Short: "Print the number of buffered messages for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, st *stack) error {
				n, err := st.stores.Buffers.Size(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			})
		},
	}
}

func bufferFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush <conversation-key>",
		Short: "Drain a conversation now and dispatch what it held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, st *stack) error {
				out, err := st.coord.DrainAndDispatch(ctx, args[0])
				if err != nil {
					var derr *coordinator.DispatchError
					if errors.As(err, &derr) {
						return fmt.Errorf("dispatch failed, %d message(s) handed to the queue for retry: %w",
							derr.Batch.MessageCount, err)
					}
					return err
				}
				if out == nil {
					fmt.Println("buffer empty, nothing dispatched")
					return nil
				}
				fmt.Printf("dispatched %d message(s), dispatch id %s\n", out.Batch.MessageCount, out.Result.DispatchID)
				return nil
			})
		},
	}
}

func bufferKeysCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List conversations with buffered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(func(ctx context.Context, st *stack) error {
				lister, ok := st.stores.Buffers.(store.BufferKeyLister)
				if !ok {
					return fmt.Errorf("buffer backend %q cannot list keys", st.cfg.Buffer.Backend)
				}
				keys, err := lister.ListKeys(ctx, limit)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum keys to list")
	return cmd
}
