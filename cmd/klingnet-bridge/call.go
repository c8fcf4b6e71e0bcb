package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-bridge/internal/bridge"
)

// maxRequestSize bounds one repl line.
const maxRequestSize = 4 << 20

var callCmd = &cobra.Command{
	Use:     "call <request-json>",
	Short:   "Run one bridge request and print the response",
	Example: `  klingnet-bridge call '{"method":"generate_extended_keys","params":{"network":"testnet"}}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBridge()
		if err != nil {
			return err
		}
		defer b.Close()
		fmt.Fprintln(cmd.OutOrStdout(), b.Call(args[0]))
		return nil
	},
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Read one request per line from stdin and write one response per line",
	Long: `Read one JSON request per line from stdin and write one response per line
to stdout. Wallet handles stay valid for the whole session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBridge()
		if err != nil {
			return err
		}
		defer b.Close()
		prompt := term.IsTerminal(int(os.Stdin.Fd()))
		return runREPL(b, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), prompt)
	},
}

// runREPL answers each non-empty line of in on out. When prompt is set a
// prompt is written to promptOut before each line.
func runREPL(b *bridge.Bridge, in io.Reader, out, promptOut io.Writer, prompt bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	for {
		if prompt {
			fmt.Fprint(promptOut, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintln(out, b.Call(line)); err != nil {
			return err
		}
	}
	if prompt {
		fmt.Fprintln(promptOut)
	}
	return scanner.Err()
}
