package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/auth"
	"github.com/erazemk/popis/internal/model"
	"github.com/erazemk/popis/internal/store"
)

var (
	userRole     string
	userPassword string
)

func init() {
	userCreateCmd.Flags().StringVarP(&userRole, "role", "r", model.RoleUser, "role: admin, manager or user")
	userCreateCmd.Flags().StringVarP(&userPassword, "password", "p", "", "password (generated when empty)")

	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(userCmd)
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create an operator account",
	Long: `Create an operator account. Without --password a random password is
generated and printed once.

Examples:
  popis user create admin --role admin
  popis user create ana --password 's3cret-pass'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !model.ValidRole(userRole) {
			return fmt.Errorf("invalid role %q", userRole)
		}

		password := userPassword
		generated := password == ""
		if generated {
			var err error
			password, err = generatePassword(16)
			if err != nil {
				return fmt.Errorf("generating password: %w", err)
			}
		}
		if err := model.ValidatePassword(password); err != nil {
			return err
		}

		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		user, err := store.CreateUser(cmd.Context(), rt.db, args[0], hash, userRole)
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("user %q already exists", args[0])
		}
		if err != nil {
			return err
		}

		rt.logger.Info("user created", zap.String("user", user.Username), zap.String("role", user.Role))
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created %s (%s)\n", user.Username, user.Role)
		if generated {
			fmt.Fprintf(out, "  Password: %s\n", password)
			fmt.Fprintln(out, "Save this password, it cannot be recovered.")
		}
		return nil
	},
}

// generatePassword creates a random password of the given length.
func generatePassword(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&*"
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}
