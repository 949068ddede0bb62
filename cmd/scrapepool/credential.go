package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"scrapepool/pkg/credstore"
)

var credentialPlatform string

// credentialCmd represents the credential command
var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage pooled account credentials",
	Long: `Manage the credentials behind pool identities.

Credentials are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation

The pool treats credential material as opaque: whatever blob your
platform collaborator needs (password, cookie jar, token bundle) is
stored as-is and never parsed.`,
}

// credentialAddCmd represents the credential add command
var credentialAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Store a credential securely",
	Long: `Store credential material for one pool identity.

The secret is read from stdin with echo disabled. Pipe it in for
non-interactive use:

  cat cookies.json | scrapepool credential add my-account`,
	Args: cobra.ExactArgs(1),
	Run:  runCredentialAdd,
}

// credentialRemoveCmd represents the credential remove command
var credentialRemoveCmd = &cobra.Command{
	Use:   "remove <label>",
	Short: "Remove a stored credential",
	Args:  cobra.ExactArgs(1),
	Run:   runCredentialRemove,
}

// credentialListCmd represents the credential list command
var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	Long:  `List stored credentials with secrets redacted.`,
	Run:   runCredentialList,
}

func init() {
	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialAddCmd)
	credentialCmd.AddCommand(credentialRemoveCmd)
	credentialCmd.AddCommand(credentialListCmd)

	credentialAddCmd.Flags().StringVar(&credentialPlatform, "platform", "", "platform this credential belongs to")
}

func runCredentialAdd(cmd *cobra.Command, args []string) {
	label := strings.TrimSpace(args[0])
	if label == "" {
		fmt.Fprintln(os.Stderr, "Label is required")
		os.Exit(1)
	}

	manager, err := credstore.NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize credential manager: %v\n", err)
		os.Exit(1)
	}

	if existing, _ := manager.Retrieve(label); existing != nil {
		fmt.Printf("Credential '%s' already exists. Overwrite? (y/N): ", label)
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y") {
			return
		}
	}

	secret, err := readSecret("Credential material (hidden): ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read secret: %v\n", err)
		os.Exit(1)
	}
	if len(secret) == 0 {
		fmt.Fprintln(os.Stderr, "Credential material cannot be empty")
		os.Exit(1)
	}

	cred := &credstore.Credential{
		Label:    label,
		Platform: credentialPlatform,
		Secret:   secret,
	}
	if err := manager.Store(cred); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to store credential: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Credential '%s' stored.\n", label)
}

func runCredentialRemove(cmd *cobra.Command, args []string) {
	manager, err := credstore.NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize credential manager: %v\n", err)
		os.Exit(1)
	}

	label := strings.TrimSpace(args[0])
	if err := manager.Delete(label); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to remove credential: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Credential '%s' removed.\n", label)
}

func runCredentialList(cmd *cobra.Command, args []string) {
	manager, err := credstore.NewManager()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize credential manager: %v\n", err)
		os.Exit(1)
	}

	creds, err := manager.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list credentials: %v\n", err)
		os.Exit(1)
	}

	if len(creds) == 0 {
		fmt.Println("No credentials stored.")
		return
	}

	sort.Slice(creds, func(i, j int) bool { return creds[i].Label < creds[j].Label })

	fmt.Printf("%-24s %-16s %s\n", "LABEL", "PLATFORM", "MODIFIED")
	for _, cred := range creds {
		red := credstore.Redacted(cred)
		platform := red.Platform
		if platform == "" {
			platform = "-"
		}
		fmt.Printf("%-24s %-16s %s\n", red.Label, platform, red.LastModified.Format(time.RFC3339))
	}
}

// readSecret reads a line from stdin without echoing it. When stdin is
// not a terminal (piped input) it falls back to a plain read.
func readSecret(prompt string) ([]byte, error) {
	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		fmt.Print(prompt)
		secret, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return nil, err
		}
		return []byte(strings.TrimSpace(string(secret))), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(strings.TrimSpace(line)), nil
}
