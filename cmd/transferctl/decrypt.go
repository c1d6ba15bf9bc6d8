package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/italolelis/transferd/internal/decrypt"
)

func newDecryptCmd(afs afero.Fs) *cobra.Command {
	var (
		keyHex   string
		nonceHex string
		size     uint64
	)

	cmd := &cobra.Command{
		Use:   "decrypt <in> <out>",
		Short: "Decrypt a downloaded file",
		Long: `Decrypt an encrypted download with its key and nonce. The ciphertext is
padded to whole blocks; --size is the plaintext size and strips the padding.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(keyHex)
			if err != nil || len(key) != decrypt.BlockSize {
				return fmt.Errorf("key must be %d hex encoded bytes", decrypt.BlockSize)
			}

			var nonce [decrypt.BlockSize]byte

			n, err := hex.DecodeString(nonceHex)
			if err != nil || len(n) != decrypt.BlockSize {
				return fmt.Errorf("nonce must be %d hex encoded bytes", decrypt.BlockSize)
			}

			copy(nonce[:], n)

			in, err := afs.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer in.Close()

			if size == 0 {
				info, err := in.Stat()
				if err != nil {
					return fmt.Errorf("failed to stat input: %w", err)
				}

				size = uint64(info.Size())
			}

			d, err := decrypt.New(key, nonce, 0, size)
			if err != nil {
				return err
			}

			out, err := afs.Create(args[1])
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}

			written, err := io.Copy(out, decrypt.NewReader(in, d))
			if err != nil {
				out.Close()

				return fmt.Errorf("failed to decrypt: %w", err)
			}

			if err := out.Close(); err != nil {
				return fmt.Errorf("failed to close output: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "decrypted %s into %s\n", humanize.IBytes(uint64(written)), args[1])

			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "AES-128 key, hex encoded")
	cmd.Flags().StringVar(&nonceHex, "nonce", "", "Nonce, hex encoded")
	cmd.Flags().Uint64Var(&size, "size", 0, "Plaintext size (defaults to the input size)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("nonce")

	return cmd
}
