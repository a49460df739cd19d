//go:build unix

package config

import (
	"fmt"
	"os"
)

// credentialFileWarning flags a config file that users other than the owner
// can read or write. It holds database passwords and the Slack webhook.
func credentialFileWarning(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	mode := info.Mode().Perm()
	if mode&0o077 == 0 {
		return ""
	}
	access := "readable"
	if mode&0o022 != 0 {
		access = "writable"
	}
	return fmt.Sprintf(
		"WARNING: %s is %s by other users (mode %04o) and may contain connection passwords.\n"+
			"         Run: chmod 600 %s, or reference secrets with ${env:NAME} / ${file:PATH}.\n\n",
		path, access, mode, path,
	)
}
