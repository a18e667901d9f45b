package parse

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

// Attachment is a decoded non-multipart part carrying a filename.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is the decoded body text and attachments of an email.
type Message struct {
	Body        string
	Attachments []Attachment
}

type header interface {
	Get(key string) string
}

var wordDecoder = &mime.WordDecoder{}

// ParseMessage walks an RFC 5322 message. The body is the concatenation of
// every text/plain part in walk order, or the whole decoded content of a
// single-part message; an attachment is any leaf part with a
// Content-Disposition header and a filename.
func ParseMessage(raw []byte) (*Message, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	msg := &Message{}
	var body strings.Builder
	if err := walk(m.Header, m.Body, msg, &body, 0); err != nil {
		return nil, err
	}
	msg.Body = body.String()
	return msg, nil
}

func walk(h header, r io.Reader, msg *Message, body *strings.Builder, depth int) error {
	if depth > maxDepth {
		return errors.New("multipart nesting too deep")
	}

	mediaType, params := contentType(h)
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("%s part without boundary", mediaType)
		}
		mr := multipart.NewReader(r, boundary)
		for {
			p, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read part: %w", err)
			}
			if err := walk(p.Header, p, msg, body, depth+1); err != nil {
				return err
			}
		}
	}

	content, err := io.ReadAll(decoder(h, r))
	if err != nil {
		return fmt.Errorf("decode %s part: %w", mediaType, err)
	}

	name := ""
	if h.Get("Content-Disposition") != "" {
		name = filename(h, params)
	}

	// Text parts are appended back to back, text/plain attachments included.
	// A single-part message is its own body whatever its media type.
	if mediaType == "text/plain" || (depth == 0 && name == "") {
		body.WriteString(strings.ToValidUTF8(string(content), ""))
	}
	if name != "" {
		msg.Attachments = append(msg.Attachments, Attachment{Filename: name, ContentType: mediaType, Content: content})
	}
	return nil
}

// contentType defaults to text/plain as RFC 2045 prescribes.
func contentType(h header) (string, map[string]string) {
	v := h.Get("Content-Type")
	if v == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(v)
	if err != nil {
		return "application/octet-stream", map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

func decoder(h header, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Transfer-Encoding"))) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, &base64Cleaner{r: r})
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	default:
		return r
	}
}

func filename(h header, ctParams map[string]string) string {
	name := ""
	if _, params, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil {
		name = params["filename"]
	}
	if name == "" {
		name = ctParams["name"]
	}
	if decoded, err := wordDecoder.DecodeHeader(name); err == nil {
		name = decoded
	}
	return strings.TrimSpace(name)
}

// base64Cleaner drops whitespace other than line breaks, which the base64
// decoder already skips.
type base64Cleaner struct {
	r io.Reader
}

func (c *base64Cleaner) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	j := 0
	for _, b := range p[:n] {
		if b == ' ' || b == '\t' {
			continue
		}
		p[j] = b
		j++
	}
	if j == 0 && n > 0 && err == nil {
		return c.Read(p)
	}
	return j, err
}
