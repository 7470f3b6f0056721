package sshx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/vesper-app/vesper/core/models"
)

// authMethods builds the ssh authentication methods for an endpoint,
// validating the credential material before any socket is opened.
func authMethods(endpoint models.Endpoint, password string) ([]ssh.AuthMethod, *ConnectError) {
	switch endpoint.AuthMethod {
	case models.AuthMethodPassword:
		if password == "" {
			return nil, connectErr(models.CodePasswordMissing, "password is required", nil)
		}
		return []ssh.AuthMethod{ssh.Password(password)}, nil

	case models.AuthMethodKey:
		if endpoint.KeyPath == "" {
			return nil, connectErr(models.CodeKeyPathMissing, "key path is required", nil)
		}
		if _, err := os.Stat(endpoint.KeyPath); err != nil {
			return nil, connectErr(models.CodeKeyFileNotFound,
				fmt.Sprintf("key file not found: %s", endpoint.KeyPath), err)
		}
		signer, cerr := loadSigner(endpoint.KeyPath)
		if cerr != nil {
			return nil, cerr
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, connectErr(models.CodeSSHAuthError,
			fmt.Sprintf("unsupported auth method: %s", endpoint.AuthMethod), nil)
	}
}

// loadSigner reads and parses a private key file.
func loadSigner(path string) (ssh.Signer, *ConnectError) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, connectErr(models.CodeKeyFileReadError,
			fmt.Sprintf("failed to read key file: %s", path), err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, connectErr(models.CodeKeyFileReadError,
			fmt.Sprintf("failed to parse key file: %s", path), err)
	}

	return signer, nil
}

// hostKeyCallback resolves the configured host key policy.
func hostKeyCallback(policy, knownHostsFile string) (ssh.HostKeyCallback, error) {
	switch strings.ToLower(policy) {
	case "strict":
		if knownHostsFile == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			knownHostsFile = filepath.Join(homeDir, ".ssh", "known_hosts")
		}

		callback, err := knownhosts.New(knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		return callback, nil

	case "accept", "":
		return ssh.InsecureIgnoreHostKey(), nil

	default:
		return nil, fmt.Errorf("unknown host key policy: %s", policy)
	}
}
