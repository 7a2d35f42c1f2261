package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bitkv/bitkv/client"
)

func main() {
	var addr string

	root := &cobra.Command{
		Use:           "kvs-client",
		Short:         "Talk to a running kvs-server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:4000", "server address HOST:PORT")

	root.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Map KEY to VALUE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close() // nolint:errcheck

			return c.Set(args[0], args[1])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print the value of KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close() // nolint:errcheck

			val, found, err := c.Get(args[0])
			if err != nil {
				return err
			}
			if !found {
				// a miss is data, not a failure
				fmt.Println("Key not found")
				return nil
			}

			fmt.Println(val)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "rm KEY",
		Short: "Remove KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(addr)
			if err != nil {
				return err
			}
			defer c.Close() // nolint:errcheck

			if err := c.Remove(args[0]); err != nil {
				if errors.Is(err, client.ErrKeyNotFound) {
					fmt.Fprintln(os.Stderr, "Key not found")
				} else {
					fmt.Fprintln(os.Stderr, err)
				}
				return err
			}
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func dial(addr string) (*client.Client, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return c, nil
}
