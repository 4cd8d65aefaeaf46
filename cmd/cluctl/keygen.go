package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muurk/cluctl/internal/cipherkey"
)

var (
	keygenSave    bool
	keygenForce   bool
	keygenPrivate bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a cipher key",
	Long: `Generate a random AES-128 cipher key and IV and print it in the
"base64(secret):base64(iv)" form used by the project file and --key.

With --private a random device private key is printed as hex instead,
for use with the emulator.`,
	Example: `  # Print a key
  cluctl keygen

  # Make it the project key
  cluctl keygen --save`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if keygenPrivate {
			b, err := cipherkey.RandomBytes(cipherkey.SecretSize)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, hex.EncodeToString(b))
			return nil
		}

		key, err := cipherkey.Generate()
		if err != nil {
			return err
		}
		if !keygenSave {
			fmt.Fprintln(out, key.String())
			return nil
		}

		reg, err := loadProject()
		if err != nil {
			return err
		}
		if reg.ProjectKey != "" && !keygenForce {
			return fmt.Errorf("%s already has a project key; --force replaces it and strands commissioned controllers", reg.Path())
		}
		reg.SetKey(key)
		if err := reg.Save(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Project key %s saved to %s\n", key.Fingerprint(), reg.Path())
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenSave, "save", false, "Store the key as the project key")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "Replace an existing project key")
	keygenCmd.Flags().BoolVar(&keygenPrivate, "private", false, "Generate a device private key instead")
	rootCmd.AddCommand(keygenCmd)
}
