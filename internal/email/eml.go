package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
)

// buildFallbackEML reconstructs a minimal single-part message from the
// structured fields, for servers that cannot return the original source.
// The first plain-text part is used; an HTML-only message is converted to
// text.
func buildFallbackEML(w wireMail) (string, error) {
	var h mail.Header
	if w.From.Address != "" {
		h.SetAddressList("From", []*mail.Address{{Address: w.From.Address}})
	}
	if to := addressList(w.To); len(to) > 0 {
		h.SetAddressList("To", to)
	}
	h.SetSubject(w.Subject)
	h.Set("MIME-Version", "1.0")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	body, err := fallbackText(w.DisplayableParts)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(mw, body); err != nil {
		return "", fmt.Errorf("failed to write message body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.String(), nil
}

func addressList(addrs []wireAddress) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if a.Address != "" {
			out = append(out, &mail.Address{Address: a.Address})
		}
	}
	return out
}

func fallbackText(parts []wirePart) (string, error) {
	html := ""
	for _, p := range parts {
		switch p.ContentType {
		case partPlain:
			return p.Content, nil
		case partHTML:
			if html == "" {
				html = p.Content
			}
		}
	}
	if html == "" {
		return "", nil
	}
	text, err := html2text.FromString(html, html2text.Options{})
	if err != nil {
		return "", fmt.Errorf("failed to convert html body: %w", err)
	}
	return text, nil
}

// rawSubject reads the Subject header of a raw message
func rawSubject(raw string) string {
	env, err := enmime.ReadEnvelope(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(env.GetHeader("Subject"))
}

// attachmentFilename turns a subject into a safe .eml file name
func attachmentFilename(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "message"
	}
	safe := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, subject)
	if runes := []rune(safe); len(runes) > 50 {
		safe = string(runes[:50])
	}
	return safe + ".eml"
}

// parseRecipient splits "Name <addr>" input; anything unparseable is taken
// as a bare address
func parseRecipient(s string) wireAddress {
	s = strings.TrimSpace(s)
	if addr, err := mail.ParseAddress(s); err == nil {
		return wireAddress{Name: addr.Name, Address: addr.Address}
	}
	return wireAddress{Address: s}
}
