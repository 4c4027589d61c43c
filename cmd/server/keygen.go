package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/trivia/internal/auth"
	"github.com/spf13/cobra"
)

// newKeygenCmd prints a fresh ed25519 key pair, or with --subject mints a
// handshake token signed by --private-key (or the fresh key).
func newKeygenCmd() *cobra.Command {
	var (
		subject    string
		ttl        time.Duration
		privateKey string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a token signing key pair, optionally minting a token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			if privateKey != "" {
				if subject == "" {
					return errors.New("--private-key needs --subject")
				}
				priv, err := auth.ParsePrivateKey(privateKey)
				if err != nil {
					return err
				}
				token, err := auth.CreateJWT(priv, subject, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "token: %s\n", token)
				return nil
			}

			pub, priv, err := auth.GenerateKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "public:  %s\n", auth.EncodeKey(pub))
			fmt.Fprintf(out, "private: %s\n", auth.EncodeKey(priv))
			if subject != "" {
				token, err := auth.CreateJWT(priv, subject, ttl)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "token:   %s\n", token)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id to mint a token for")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "base64 ed25519 private key to sign with")
	return cmd
}
