package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vesper-app/vesper/core/engine"
	"github.com/vesper-app/vesper/core/models"
)

// testCmd probes an SSH target without storing anything.
var testCmd = &cobra.Command{
	Use:   "test [user@]hostname",
	Short: "Test an SSH connection without saving it",
	Long: `Probe an SSH target with the same authenticate sequence the engine
uses for saved endpoints. Nothing is written to the catalog.

Examples:
  vesper test user@example.com -i ~/.ssh/id_ed25519
  vesper test user@example.com -p 2222 -i ~/.ssh/id_ed25519
  vesper test user@example.com --password`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

var (
	testPort     int
	identityFile string
	usePassword  bool
)

func init() {
	rootCmd.AddCommand(testCmd)

	testCmd.Flags().IntVarP(&testPort, "port", "p", 22, "SSH port")
	testCmd.Flags().StringVarP(&identityFile, "identity", "i", "", "Path to private key file")
	testCmd.Flags().BoolVar(&usePassword, "password", false, "Use password authentication (will prompt)")
}

func runTest(cmd *cobra.Command, args []string) error {
	endpoint, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") || endpoint.Port == 0 {
		endpoint.Port = testPort
	}
	endpoint.Name = endpoint.Host

	if identityFile != "" {
		endpoint.AuthMethod = models.AuthMethodKey
		endpoint.KeyPath = identityFile
	}
	if usePassword {
		endpoint.AuthMethod = models.AuthMethodPassword
		fmt.Print("Enter SSH password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Println()
		endpoint.Password = string(passwordBytes)
	}
	if endpoint.AuthMethod == "" {
		return fmt.Errorf("specify --identity or --password")
	}

	eng := engine.New(config, nil, logger)
	result := eng.TestAdhoc(endpoint)
	if !result.Success {
		fmt.Printf("FAILED [%s] %s\n", result.ErrorCode, result.Message)
		os.Exit(1)
	}

	fmt.Println("OK: connection successful")
	return nil
}

// parseTarget parses user@hostname[:port].
func parseTarget(target string) (models.Endpoint, error) {
	endpoint := models.Endpoint{}

	parts := strings.Split(target, "@")
	if len(parts) == 2 {
		endpoint.Username = parts[0]
		endpoint.Host = parts[1]
	} else {
		endpoint.Host = target
		if currentUser := os.Getenv("USER"); currentUser != "" {
			endpoint.Username = currentUser
		} else {
			return endpoint, fmt.Errorf("username not specified and USER environment variable not set")
		}
	}

	if host, portStr, ok := strings.Cut(endpoint.Host, ":"); ok {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return endpoint, fmt.Errorf("invalid port: %s", portStr)
		}
		endpoint.Host = host
		endpoint.Port = port
	}

	return endpoint, nil
}
