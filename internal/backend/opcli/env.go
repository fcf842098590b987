// SPDX-License-Identifier: Apache-2.0

package opcli

import (
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/akihiro/opsessiond/internal/credential"
)

// maxDiagnostic bounds how much tool stderr reaches clients.
const maxDiagnostic = 512

// scrubbedEnviron returns the daemon environment without any credential the
// daemon itself may have inherited.
func scrubbedEnviron() []string {
	environ := os.Environ()
	env := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		if strings.HasPrefix(kv, serviceAccountEnv+"=") || strings.HasPrefix(kv, sessionEnvPrefix) {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// credentialEnv returns the KEY=value entry that hands cred to the tool.
func credentialEnv(cred *credential.Credential, token string) string {
	if cred.Provenance() == credential.ServiceAccount {
		return serviceAccountEnv + "=" + token
	}
	return sessionEnvName(cred.Account()) + "=" + token
}

// sessionEnvName derives OP_SESSION_<shorthand> from an account address or
// shorthand: "my.1password.com" becomes OP_SESSION_my.
func sessionEnvName(account string) string {
	shorthand, _, _ := strings.Cut(account, ".")
	var b strings.Builder
	b.WriteString(sessionEnvPrefix)
	for _, r := range shorthand {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// sanitize prepares tool stderr for clients and logs: secrets are redacted,
// control characters dropped and whitespace collapsed before truncation.
func sanitize(stderr string, secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			stderr = strings.ReplaceAll(stderr, s, "[REDACTED]")
		}
	}
	stderr = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, stderr)
	stderr = strings.Join(strings.Fields(stderr), " ")

	if len(stderr) > maxDiagnostic {
		cut := maxDiagnostic
		for cut > 0 && !utf8.RuneStart(stderr[cut]) {
			cut--
		}
		stderr = stderr[:cut] + "..."
	}
	return stderr
}
