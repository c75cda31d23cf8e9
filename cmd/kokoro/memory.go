package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kokoro/internal/kokoro/store"
	"github.com/bdobrica/kokoro/internal/kokoro/store/remote"
)

type memoryCommander struct {
	server string
	user   string
}

func newMemoryCmd() *cobra.Command {
	cmder := &memoryCommander{}

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect or reset what a companion remembers about a user",
	}
	cmd.PersistentFlags().StringVarP(&cmder.server, "server", "s", env.String("SERVER_URL", defaultServerURL), "Kokoro server URL")
	cmd.PersistentFlags().StringVarP(&cmder.user, "user", "u", env.String("USER", ""), "User id")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <character>",
		Short: "Print the stored memory as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cmder.store()
			if err != nil {
				return err
			}
			m, err := s.Load(store.WithUser(cmd.Context(), cmder.user), args[0])
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has no memory of %s yet\n", args[0], cmder.user)
				return nil
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <character>",
		Short: "Forget everything the companion remembers about the user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cmder.store()
			if err != nil {
				return err
			}
			if err := s.Reset(store.WithUser(cmd.Context(), cmder.user), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "memory of %s with %s reset\n", cmder.user, args[0])
			return nil
		},
	})
	return cmd
}

func (c *memoryCommander) store() (*remote.Store, error) {
	if c.user == "" {
		return nil, fmt.Errorf("a user is required (--user or %s)", env.Name("USER"))
	}
	return remote.New(c.server, 10*time.Second), nil
}
