package security

import (
	"strings"
	"testing"
)

// FuzzValidateProxyURL tests proxy URL validation with fuzzed inputs.
// Run with: go test -fuzz=FuzzValidateProxyURL -fuzztime=60s ./internal/security/
func FuzzValidateProxyURL(f *testing.F) {
	seedURLs := []string{
		// Valid proxy URLs
		"http://proxy.example.com:8080",
		"https://proxy.example.com:443",
		"socks5://proxy.example.com:1080",

		// SSRF attack vectors
		"http://127.0.0.1",
		"http://localhost",
		"http://0.0.0.0",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]",
		"http://192.168.1.1",
		"http://10.0.0.1",
		"http://172.16.0.1",
		"http://metadata.google.internal",
		"http://instance-data",

		// URL encoding attacks
		"http://%6c%6f%63%61%6c%68%6f%73%74",
		"http://localhost%00.example.com",

		// IPv6 variations
		"http://[0:0:0:0:0:0:0:1]",
		"http://[::ffff:127.0.0.1]",

		// Scheme attacks
		"javascript:alert(1)",
		"ftp://example.com",
		"gopher://example.com",

		// Empty and malformed
		"",
		"not-a-url",
		"://missing-scheme",
		"http://",
		"http:// ",
		"http://[",

		// Long URLs
		"https://proxy.example.com/" + strings.Repeat("a", 1000),
	}

	for _, url := range seedURLs {
		f.Add(url, false)
		f.Add(url, true)
	}

	f.Fuzz(func(t *testing.T, proxyURL string, allowPrivateIPs bool) {
		// Must never panic, regardless of input or allowPrivateIPs.
		err := ValidateProxyURL(proxyURL, allowPrivateIPs)

		if proxyURL == "" && err != nil {
			t.Errorf("empty proxy URL should be valid (means no proxy), got %v", err)
		}

		// Cloud metadata endpoints must stay blocked even when private IPs
		// are explicitly allowed.
		if strings.Contains(proxyURL, "169.254.169.254") && err == nil {
			t.Errorf("metadata IP should be blocked regardless of allowPrivateIPs: %s", proxyURL)
		}
		if strings.HasPrefix(strings.ToLower(proxyURL), "file://") && err == nil {
			t.Errorf("file:// proxy URLs should be blocked: %s", proxyURL)
		}
	})
}
