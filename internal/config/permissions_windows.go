//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Principals whose presence in the ACL exposes the file to other accounts.
var broadPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
}

// credentialFileWarning flags a config file whose ACL grants access beyond
// the owner. It holds database passwords and the Slack webhook.
func credentialFileWarning(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}

	acl := strings.ToLower(string(output))
	for _, principal := range broadPrincipals {
		if !strings.Contains(acl, principal) {
			continue
		}
		return fmt.Sprintf(
			"WARNING: %s grants access to %q and may contain connection passwords.\n"+
				"         Run: icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n"+
				"         or reference secrets with ${env:NAME} / ${file:PATH}.\n\n",
			path, principal, path,
		)
	}
	return ""
}
