package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token for volumed's admin endpoints",
	Long: `Print a signed token for volumed's /admin endpoints, or with
--agent a token a pool agent accepts.

The operator token is signed with JWT_SECRET, the agent token with
AGENT_TOKEN_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		agent, _ := cmd.Flags().GetBool("agent")

		var (
			token string
			err   error
		)
		if agent {
			token, err = agentToken(os.Getenv("AGENT_TOKEN_SECRET"), subject, ttl)
		} else {
			token, err = operatorToken(os.Getenv("JWT_SECRET"), subject, ttl)
		}
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "operator", "Subject to include in the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().Bool("agent", false, "Mint an agent token instead")
	rootCmd.AddCommand(tokenCmd)
}

func operatorToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT_SECRET environment variable is not set")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func agentToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("AGENT_TOKEN_SECRET environment variable is not set")
	}
	return gateway.MintToken(secret, subject, ttl)
}
