package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/cryptech/hsmcore/internal/keystore/pin"
)

// parseUser maps the CLI's --user value to a pin.User, the same three
// roles the PIN block holds (wheel/so/user; spec §4.2.9).
func parseUser(s string) (pin.User, error) {
	switch s {
	case "user":
		return pin.UserNormal, nil
	case "so":
		return pin.UserSO, nil
	case "wheel":
		return pin.UserWheel, nil
	default:
		return pin.UserNone, fmt.Errorf("unknown user role %q (want user, so, or wheel)", s)
	}
}

// readPIN prompts prompt on stderr and reads a PIN from the terminal
// without echoing it, the way ssh clients prompt for passphrases.
func readPIN(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pinBytes, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read pin: %w", err)
	}
	return pinBytes, nil
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in as wheel, so, or user",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseUser(user)
			if err != nil {
				return err
			}
			pinBytes, err := readPIN(fmt.Sprintf("%s PIN: ", user))
			if err != nil {
				return err
			}
			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := client.Login(role, pinBytes); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Println("logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "user", "role to log in as: user, so, or wheel")
	return cmd
}

func newLogoutCmd(flags *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Log out the current session, or every session with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			if all {
				if err := client.LogoutAll(); err != nil {
					return fmt.Errorf("logout all: %w", err)
				}
				fmt.Println("logged out all sessions")
				return nil
			}
			if err := client.Logout(); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Println("logged out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "log out every logged-in role, not just this session")
	return cmd
}

func newSetPINCmd(flags *globalFlags) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "set-pin",
		Short: "Set the PIN for wheel, so, or user",
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseUser(user)
			if err != nil {
				return err
			}
			pinBytes, err := readPIN(fmt.Sprintf("new %s PIN: ", user))
			if err != nil {
				return err
			}
			confirm, err := readPIN(fmt.Sprintf("confirm %s PIN: ", user))
			if err != nil {
				return err
			}
			if string(pinBytes) != string(confirm) {
				return fmt.Errorf("pins do not match")
			}
			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := client.SetPIN(role, pinBytes); err != nil {
				return fmt.Errorf("set pin: %w", err)
			}
			fmt.Println("pin set")
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "user", "role whose PIN to set: user, so, or wheel")
	return cmd
}
