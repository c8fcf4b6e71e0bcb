package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-bridge/internal/bridge"
	"github.com/Klingon-tech/klingnet-bridge/internal/wallet"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate or restore extended keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new mnemonic and its extended keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		words, _ := cmd.Flags().GetInt("words")
		account, _ := cmd.Flags().GetUint32("account")
		return runKeys(cmd.OutOrStdout(), "generate_extended_keys", map[string]any{
			"mnemonic_word_count": words,
		}, account)
	},
}

var keysRestoreCmd = &cobra.Command{
	Use:   "restore [mnemonic]",
	Short: "Restore extended keys from a mnemonic",
	Long: `Restore extended keys from a mnemonic. Without an argument the mnemonic
is read from the terminal without echo, or from stdin when it is not a terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetUint32("account")
		var mnemonic string
		if len(args) == 1 {
			mnemonic = args[0]
		} else {
			var err error
			if mnemonic, err = readMnemonic(cmd.InOrStdin(), cmd.ErrOrStderr()); err != nil {
				return err
			}
		}
		return runKeys(cmd.OutOrStdout(), "create_extended_keys", map[string]any{
			"mnemonic": mnemonic,
		}, account)
	},
}

func init() {
	keysGenerateCmd.Flags().Int("words", wallet.DefaultWordCount, "mnemonic length: 12, 15, 18, 21 or 24")
	for _, c := range []*cobra.Command{keysGenerateCmd, keysRestoreCmd} {
		c.Flags().Uint32("account", 0, "BIP-44 account of the printed descriptors")
	}
	keysCmd.AddCommand(keysGenerateCmd, keysRestoreCmd)
}

func readMnemonic(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Mnemonic: ")
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read mnemonic: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read mnemonic: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// keysOutput is what the keys commands print.
type keysOutput struct {
	wallet.ExtendedKeys
	Descriptor       string `json:"descriptor"`
	ChangeDescriptor string `json:"change_descriptor"`
}

func runKeys(out io.Writer, method string, params map[string]any, account uint32) error {
	b, err := openBridge()
	if err != nil {
		return err
	}
	defer b.Close()
	params["network"] = b.Network()
	return printKeys(out, b, method, params, account)
}

// printKeys runs a key method and prints the keys with the default
// descriptors of account.
func printKeys(out io.Writer, b *bridge.Bridge, method string, params map[string]any, account uint32) error {
	req, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return err
	}
	resp := b.Call(string(req))

	var envelope bridge.Error
	if json.Unmarshal([]byte(resp), &envelope) == nil && envelope.Kind != "" {
		return &envelope
	}
	var o keysOutput
	if err := json.Unmarshal([]byte(resp), &o.ExtendedKeys); err != nil {
		return fmt.Errorf("decode keys: %w", err)
	}
	o.Descriptor, o.ChangeDescriptor = wallet.DefaultDescriptors(o.ExtPrivKey, account)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}
