package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// Secret variables commonly passed to dev servers and package managers.
var secretVariables = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AZURE_CLIENT_SECRET",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"NPM_TOKEN",
	"NODE_AUTH_TOKEN",
	"DATABASE_PASSWORD",
	"DB_PASSWORD",
	"API_KEY",
	"ACCESS_TOKEN",
	"REFRESH_TOKEN",
	"CLIENT_SECRET",
	"PASSWORD",
}

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + alternation(secretVariables) + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	secretFlagPattern  = regexp.MustCompile(`(?i)(--?(?:password|passwd|token|secret|api-key|apikey|auth))(=|\s+)(["']?)([^"'\s]+)(["']?)`)
	urlUserinfoPattern = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^:@/\s]+):([^@/\s]+)@`)
)

func alternation(words []string) string {
	quoted := make([]string, len(words))
	for i, word := range words {
		quoted[i] = regexp.QuoteMeta(word)
	}
	return strings.Join(quoted, "|")
}

// RedactSecrets masks secrets in a command line or log message before it is
// shown to a user: ${VAR} templates, KEY=value assignments for well known
// secret variables, --password style flags and passwords in URLs.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := templateVarPattern.ReplaceAllLiteralString(message, "${"+redactedPlaceholder+"}")
	redacted = secretKeyPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
	redacted = secretFlagPattern.ReplaceAllString(redacted, "$1$2$3"+redactedPlaceholder+"$5")
	return urlUserinfoPattern.ReplaceAllString(redacted, "$1:"+redactedPlaceholder+"@")
}
