//go:build darwin

package config

import (
	"fmt"
	"os/exec"
)

func secretHint() string {
	return fmt.Sprintf(" or macOS Keychain (service: %s, account: %s)", secretService, accountOpenRouterKey)
}

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w, output: %s", service, account, err, out)
	}
	return nil
}
