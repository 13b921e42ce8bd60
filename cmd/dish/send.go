package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironfang-ltd/go-dish"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <description>",
	Short: "Deliver one message to a peer",
	Long: `Joins the peer at <description>, delivers one message to the given receiver
address and leaves again. Exactly one of --string, --int, --bool, --binary or
--address selects the message; with none of them a null message is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := messageFromFlags(cmd)
		if err != nil {
			return err
		}

		receiver := dish.NewAddress()
		if raw, _ := cmd.Flags().GetString("receiver"); raw != "" {
			if receiver, err = dish.ParseAddress(raw); err != nil {
				return err
			}
		}
		name, _ := cmd.Flags().GetString("name")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		opts := []dish.Option{dish.WithName(name), dish.WithLogger(slog.Default())}
		repo := dish.NewConnectionRepository(opts...).AddAll(dish.SupportedConnections(opts...)...)
		node := dish.NewNode(repo, nil, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		description := args[0]
		if err := node.Join(ctx, description); err != nil {
			return err
		}
		defer node.Close(ctx)

		d := dish.NewDelivery(receiver, msg)
		if err := node.Deliver(ctx, description, d); err != nil {
			var failed *dish.DeliveryFailedError
			if errors.As(err, &failed) {
				return fmt.Errorf("peer rejected delivery %s: %w", d.UUID, err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "delivered %s to %s\n", d.UUID, receiver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("receiver", "", "Receiver address as 32 hex digits (random if empty)")
	sendCmd.Flags().String("string", "", "Send a string message")
	sendCmd.Flags().Int64("int", 0, "Send an integer message")
	sendCmd.Flags().Bool("bool", false, "Send a boolean message")
	sendCmd.Flags().String("binary", "", "Send a binary message given as hex")
	sendCmd.Flags().String("address", "", "Send an address message given as 32 hex digits")
	sendCmd.Flags().Duration("timeout", 10*time.Second, "Overall timeout")
	sendCmd.MarkFlagsMutuallyExclusive("string", "int", "bool", "binary", "address")
}

func messageFromFlags(cmd *cobra.Command) (dish.Message, error) {
	flags := cmd.Flags()
	switch {
	case flags.Changed("string"):
		s, _ := flags.GetString("string")
		return dish.StringMessage(s), nil
	case flags.Changed("int"):
		i, _ := flags.GetInt64("int")
		return dish.IntegerMessage(i), nil
	case flags.Changed("bool"):
		b, _ := flags.GetBool("bool")
		return dish.BooleanMessage(b), nil
	case flags.Changed("binary"):
		raw, _ := flags.GetString("binary")
		b, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("--binary: %w", err)
		}
		return dish.BinaryMessage(b), nil
	case flags.Changed("address"):
		raw, _ := flags.GetString("address")
		a, err := dish.ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		return dish.AddressMessage(a), nil
	default:
		return dish.NullMessage{}, nil
	}
}
