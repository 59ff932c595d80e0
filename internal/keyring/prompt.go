package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readSecret prints label and reads a line without echo. It prefers
// /dev/tty so the prompt works when stdin is redirected.
func readSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)

	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // Print newline after input
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// PromptAPIKey asks for the gateway API key twice and confirms both match
func PromptAPIKey() (string, error) {
	first, err := readSecret("Enter gateway API key: ")
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	if first == "" {
		return "", fmt.Errorf("API key must not be empty")
	}

	second, err := readSecret("Confirm gateway API key: ")
	if err != nil {
		return "", fmt.Errorf("failed to read API key confirmation: %w", err)
	}
	if first != second {
		return "", fmt.Errorf("API keys do not match")
	}
	return first, nil
}
