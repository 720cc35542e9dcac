package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cryptech/hsmcore/internal/hash"
	"github.com/cryptech/hsmcore/internal/hashsig"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/rpc"
)

// algorithmByName supports the --alg flag on sign/verify; hsmctl only
// needs to name the same closed set internal/hash exposes (spec
// §4.3).
var algorithmByName = map[string]hash.Algorithm{
	"sha1":       hash.SHA1,
	"sha224":     hash.SHA224,
	"sha256":     hash.SHA256,
	"sha384":     hash.SHA384,
	"sha512":     hash.SHA512,
	"sha512-224": hash.SHA512_224,
	"sha512-256": hash.SHA512_256,
}

var curveByName = map[string]keystore.Curve{
	"p256": keystore.CurveP256,
	"p384": keystore.CurveP384,
	"p521": keystore.CurveP521,
}

func newPKeyCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pkey",
		Short: "Key management: generate, sign, match",
	}
	cmd.AddCommand(
		newPKeyGenerateECCmd(flags),
		newPKeyGenerateHashsigCmd(flags),
		newPKeySignCmd(flags),
		newPKeyMatchCmd(flags),
	)
	return cmd
}

func newPKeyGenerateECCmd(flags *globalFlags) *cobra.Command {
	var curveName string
	var token bool
	cmd := &cobra.Command{
		Use:   "generate-ec",
		Short: "Generate an EC private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			curve, ok := curveByName[curveName]
			if !ok {
				return fmt.Errorf("unknown curve %q (want p256, p384, or p521)", curveName)
			}
			keyFlags := keystore.FlagUsageDigitalSignature
			if token {
				keyFlags |= keystore.FlagToken
			}
			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			handle, name, err := client.PKeyGenerateEC(curve, keyFlags)
			if err != nil {
				return fmt.Errorf("generate ec key: %w", err)
			}
			fmt.Printf("handle=%d name=%s\n", handle, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&curveName, "curve", "p256", "EC curve: p256, p384, or p521")
	cmd.Flags().BoolVar(&token, "token", true, "persist the key (token) rather than keep it volatile")
	return cmd
}

func newPKeyGenerateHashsigCmd(flags *globalFlags) *cobra.Command {
	var levels int
	var token bool
	cmd := &cobra.Command{
		Use:   "generate-hashsig",
		Short: "Generate an HSS/LMS hash-based signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFlags := keystore.FlagUsageDigitalSignature
			if token {
				keyFlags |= keystore.FlagToken
			}
			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()
			handle, name, err := client.PKeyGenerateHashsig(
				uint32(levels),
				uint32(hashsig.LMSSHA256N32H5),
				uint32(hashsig.LMOTSSHA256N32W1),
				keyFlags,
			)
			if err != nil {
				return fmt.Errorf("generate hashsig key: %w", err)
			}
			fmt.Printf("handle=%d name=%s\n", handle, name)
			return nil
		},
	}
	cmd.Flags().IntVar(&levels, "levels", 1, "HSS tree levels")
	cmd.Flags().BoolVar(&token, "token", true, "persist the key (token) rather than keep it volatile")
	return cmd
}

func newPKeySignCmd(flags *globalFlags) *cobra.Command {
	var name string
	var algName string
	var message string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a message with a named key, hashing locally and dispatching through the mixed-mode RPC (PKEY_SIGN with hash=0)",
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, ok := algorithmByName[algName]
			if !ok {
				return fmt.Errorf("unknown algorithm %q", algName)
			}
			keyName, err := uuid.Parse(name)
			if err != nil {
				return fmt.Errorf("parse key name: %w", err)
			}
			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()

			handle, err := client.PKeyOpen(keyName)
			if err != nil {
				return fmt.Errorf("open key: %w", err)
			}
			defer client.PKeyClose(handle)

			keyType, err := client.PKeyGetKeyType(handle)
			if err != nil {
				return fmt.Errorf("get key type: %w", err)
			}

			mixed := rpc.NewMixedClient(client)
			sig, err := mixed.Sign(handle, keyType, alg, []byte(message), 1024)
			if err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			fmt.Printf("%x\n", sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "key", "", "key name (UUID) to sign with")
	cmd.Flags().StringVar(&algName, "alg", "sha256", "digest algorithm")
	cmd.Flags().StringVar(&message, "message", "", "message to sign")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("message")
	return cmd
}

func newPKeyMatchCmd(flags *globalFlags) *cobra.Command {
	var curveName string
	var token bool
	var limit int
	cmd := &cobra.Command{
		Use:   "match",
		Short: "List key names matching a set of criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			crit := rpc.MatchCriteriaWire{
				Type:  keystore.KeyType(0xFF),
				Curve: keystore.Curve(0xFF),
			}
			if curveName != "" {
				curve, ok := curveByName[curveName]
				if !ok {
					return fmt.Errorf("unknown curve %q", curveName)
				}
				crit.Curve = curve
			}
			if token {
				crit.Mask |= keystore.FlagToken
				crit.Flags |= keystore.FlagToken
			}

			client, conn, err := dial(flags)
			if err != nil {
				return err
			}
			defer conn.Close()

			var state uint32
			var previous uuid.UUID
			remaining := limit
			for {
				names, nextState, done, err := client.PKeyMatch(crit, state, previous, 16)
				if err != nil {
					return fmt.Errorf("match: %w", err)
				}
				for _, n := range names {
					fmt.Println(n)
					remaining--
					if remaining == 0 {
						return nil
					}
				}
				if done || len(names) == 0 {
					return nil
				}
				state = nextState
				previous = names[len(names)-1]
			}
		},
	}
	cmd.Flags().StringVar(&curveName, "curve", "", "restrict to an EC curve: p256, p384, or p521")
	cmd.Flags().BoolVar(&token, "token", false, "restrict to persistent (token) keys")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many names (0 for unlimited)")
	return cmd
}
