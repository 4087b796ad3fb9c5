package gitops

import (
	"net/url"
	"os"
	"regexp"
	"strings"
)

// Credentials carries the token used to authenticate clone/push operations
// against a worktree's parent remote, plus the identity used for commits
// made by recovery steps that need to commit on the agent's behalf.
type Credentials struct {
	Token       string
	TokenEnvVar string
	UserName    string
	UserEmail   string
}

// NewCredentials creates a Credentials value, reading the token from
// TokenEnvVar when Token itself is empty.
func NewCredentials(token, tokenEnvVar string) *Credentials {
	c := &Credentials{
		Token:       token,
		TokenEnvVar: tokenEnvVar,
		UserName:    "conductor-bot",
		UserEmail:   "conductor-bot@localhost",
	}
	if c.Token == "" && c.TokenEnvVar != "" {
		c.Token = os.Getenv(c.TokenEnvVar)
	}
	return c
}

// HasToken reports whether a usable token is configured.
func (c *Credentials) HasToken() bool {
	return c != nil && c.Token != ""
}

// InjectCredentials rewrites an HTTPS remote URL to carry the token via
// x-access-token; SSH URLs, URLs that already carry credentials, and
// non-HTTP(S) schemes are returned unchanged.
func (c *Credentials) InjectCredentials(repoURL string) string {
	if !c.HasToken() {
		return repoURL
	}
	if strings.HasPrefix(repoURL, "git@") || strings.Contains(repoURL, "ssh://") {
		return repoURL
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return repoURL
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return repoURL
	}
	if parsed.User != nil && parsed.User.String() != "" {
		return repoURL
	}
	parsed.User = url.UserPassword("x-access-token", c.Token)
	return parsed.String()
}

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(ghp_|gho_|github_pat_)[A-Za-z0-9_]{30,}`),
	regexp.MustCompile(`://([^:@/]+):([^@/]+)@`),
	regexp.MustCompile(`://([^@/]{20,})@`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|token|password|credential)\s*[:=]\s*['"]?[A-Za-z0-9\-._]{16,}['"]?`),
}

// RedactString strips credential-shaped substrings from a string destined
// for logs, error messages, or event payloads.
func RedactString(s string) string {
	result := s
	for _, pattern := range redactPatterns {
		switch {
		case strings.Contains(pattern.String(), "):([^@/]+)@"):
			result = pattern.ReplaceAllString(result, "://[REDACTED]:[REDACTED]@")
		case strings.Contains(pattern.String(), "://"):
			result = pattern.ReplaceAllString(result, "://[REDACTED]@")
		case strings.Contains(pattern.String(), "bearer"):
			result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
		case strings.Contains(pattern.String(), "ghp_|gho_|github_pat_"):
			result = pattern.ReplaceAllString(result, "[REDACTED_GITHUB_TOKEN]")
		default:
			result = pattern.ReplaceAllStringFunc(result, func(match string) string {
				parts := regexp.MustCompile(`[:=]\s*`).Split(match, 2)
				if len(parts) == 2 {
					return parts[0] + "=[REDACTED]"
				}
				return "[REDACTED]"
			})
		}
	}
	return result
}

// RedactError wraps err so its Error() string is credential-redacted while
// Unwrap still reaches the original for errors.Is/As.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	return &redactedError{original: err, redacted: RedactString(err.Error())}
}

type redactedError struct {
	original error
	redacted string
}

func (e *redactedError) Error() string { return e.redacted }
func (e *redactedError) Unwrap() error { return e.original }

// createGitAskpassScript writes a temporary GIT_ASKPASS script that echoes
// token, so an https push can authenticate without the token ever appearing
// in a remote URL or a process argument list. The caller must invoke the
// returned cleanup once the push completes.
func createGitAskpassScript(token string) (scriptPath string, cleanup func(), err error) {
	tmpFile, err := os.CreateTemp("", "git-askpass-*.sh")
	if err != nil {
		return "", nil, err
	}

	script := "#!/bin/sh\necho '" + token + "'\n"
	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, err
	}
	tmpFile.Close()

	if err := os.Chmod(tmpFile.Name(), 0o700); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, err
	}

	cleanup = func() { os.Remove(tmpFile.Name()) }
	return tmpFile.Name(), cleanup, nil
}
