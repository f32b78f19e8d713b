package cli

import (
	"fmt"
	"os"

	"github.com/justincihi/cognisync/internal/common"
	"github.com/justincihi/cognisync/internal/cryptox"
	"github.com/justincihi/cognisync/internal/filex"
	"github.com/spf13/cobra"
)

const keyName = "file_encryption_key"

// fileKey resolves the file key from the environment variable named by
// --key-env, falling back to a no-echo prompt.
func (a *App) fileKey(cmd *cobra.Command) ([]byte, error) {
	envName, _ := cmd.Flags().GetString("key-env")
	value := os.Getenv(envName)
	if value == "" {
		b, err := getSecret(cmd.ErrOrStderr(), "File encryption key")
		if err != nil {
			return nil, err
		}
		defer common.WipeByteArray(b)
		value = string(b)
	}
	return cryptox.ParseKey(keyName, value)
}

func (a *App) fileCipher(cmd *cobra.Command) (*cryptox.FileCipher, error) {
	key, err := a.fileKey(cmd)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)
	passes, _ := cmd.Flags().GetInt("passes")
	return cryptox.NewFileCipher(key, filex.NewEraser(passes))
}

func (a *App) newKeygenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random 256-bit application key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := cryptox.GenerateKey()
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			if out == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
				return err
			}
			if err := os.WriteFile(out, []byte(key+"\n"), 0o600); err != nil {
				return fmt.Errorf("write key: %w", err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "key written to", out)
			return nil
		},
	}
	cmd.Flags().String("out", "", "write the key to this file (mode 0600) instead of stdout")
	return cmd
}

func addKeyFlags(cmd *cobra.Command) {
	cmd.Flags().String("key-env", "FILE_ENCRYPTION_KEY", "environment variable holding the file key")
	cmd.Flags().Int("passes", filex.MinPasses, "overwrite passes for secure erase")
}

func (a *App) newEncryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt-file <path>",
		Short: "Encrypt a file with the file key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.fileCipher(cmd)
			if err != nil {
				return err
			}
			if replace, _ := cmd.Flags().GetBool("replace"); replace {
				if err := c.EncryptAndReplace(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), args[0])
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			path, err := c.EncryptFile(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	addKeyFlags(cmd)
	cmd.Flags().String("out", "", "output path (default <path>.encrypted)")
	cmd.Flags().Bool("replace", false, "encrypt in place and shred the plaintext")
	return cmd
}

func (a *App) newDecryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt-file <path>",
		Short: "Decrypt a file produced by encrypt-file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.fileCipher(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			path, err := c.DecryptFile(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	addKeyFlags(cmd)
	cmd.Flags().String("out", "", "output path (default: strip .encrypted)")
	return cmd
}

func (a *App) newShredCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shred <path>...",
		Short: "Overwrite and delete files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passes, _ := cmd.Flags().GetInt("passes")
			e := filex.NewEraser(passes)
			for _, p := range args {
				erased, err := e.SecureDelete(cmd.Context(), p)
				if err != nil {
					return err
				}
				state := "erased"
				if !erased {
					state = "missing"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", state, p)
			}
			return nil
		},
	}
	cmd.Flags().Int("passes", filex.MinPasses, "overwrite passes")
	return cmd
}

func (a *App) newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <path>...",
		Short: "Print SHA-256 digests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range args {
				sum, err := filex.HashFile(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, p)
			}
			return nil
		},
	}
}
