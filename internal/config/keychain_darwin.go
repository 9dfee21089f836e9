//go:build darwin

package config

import (
	"fmt"
	"os/exec"
	"strings"
)

func security(args ...string) *exec.Cmd {
	return exec.Command("/usr/bin/security", args...)
}

func keychainGet(service, account string) ([]byte, error) {
	out, err := security("find-generic-password", "-s", service, "-a", account, "-w").Output()
	if err != nil {
		return nil, fmt.Errorf("keychain lookup %s/%s: %w", service, account, err)
	}
	return out, nil
}

func keychainSet(service, account, value string) error {
	out, err := security("add-generic-password", "-U", "-s", service, "-a", account, "-w", value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("keychain store %s/%s: %w (%s)", service, account, err, strings.TrimSpace(string(out)))
	}
	return nil
}
