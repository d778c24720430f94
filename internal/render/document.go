package render

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// ErrDecode is returned for graph payloads that are not valid base64.
var ErrDecode = errors.New("could not display graph")

const (
	// SandboxTokens is the iframe sandbox attribute: scripts run, but the
	// frame gets an opaque origin and cannot navigate the top window.
	SandboxTokens = "allow-scripts"
	// DocumentCSP is sent with every graph document so the isolation holds
	// even when the document is opened outside its iframe.
	DocumentCSP = "sandbox " + SandboxTokens
)

var scriptClose = regexp.MustCompile(`(?i)</(script)`)

// Decode turns a graph payload into its HTML document. Padding is optional,
// as browsers' atob accepts. The result is never inspected, only passed
// through.
func Decode(encoded string) (string, error) {
	encoded = strings.TrimSpace(encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		var rawErr error
		if raw, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "=")); rawErr != nil {
			return "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	return string(raw), nil
}

func Encode(document string) string {
	return base64.StdEncoding.EncodeToString([]byte(document))
}

// BuildDocument wraps the library code and the decoded graph in a minimal
// shell. Library text is escaped only where it would terminate the script
// element early.
func BuildDocument(title string, libraries []string, graphHTML string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title>\n<script>\n")
	for _, lib := range libraries {
		if lib == "" {
			continue
		}
		b.WriteString(scriptClose.ReplaceAllString(lib, `<\/$1`))
		b.WriteString("\n;\n")
	}
	b.WriteString("</script>\n</head>\n<body>\n")
	b.WriteString(graphHTML)
	b.WriteString("\n</body>\n</html>\n")

	return b.String()
}
