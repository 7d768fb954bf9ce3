package gateway

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"crm-mailer/internal/account"
)

// messageBuilder renders a Message into RFC 5322 wire bytes: multipart/mixed,
// quoted-printable text parts and base64 attachments broken at 76 columns.
type messageBuilder struct{}

func (b *messageBuilder) Build(acct account.Account, msg Message, messageID string) ([]byte, error) {
	var buf bytes.Buffer

	multipartWriter := multipart.NewWriter(&buf)
	boundary := multipartWriter.Boundary()

	from := mail.Address{Name: msg.FromName, Address: acct.Email}

	headers := [][2]string{
		{"From", from.String()},
		{"To", strings.Join(msg.To, ", ")},
	}
	if len(msg.Cc) > 0 {
		headers = append(headers, [2]string{"Cc", strings.Join(msg.Cc, ", ")})
	}
	headers = append(headers,
		[2]string{"Date", time.Now().Format(time.RFC1123Z)},
		[2]string{"Subject", msg.Subject},
		[2]string{"Message-ID", fmt.Sprintf("<%s>", messageID)},
	)
	if msg.InReplyTo != "" {
		headers = append(headers, [2]string{"In-Reply-To", fmt.Sprintf("<%s>", msg.InReplyTo)})
	}
	if len(msg.References) > 0 {
		refs := make([]string, len(msg.References))
		for i, ref := range msg.References {
			refs[i] = fmt.Sprintf("<%s>", ref)
		}
		headers = append(headers, [2]string{"References", strings.Join(refs, " ")})
	}
	headers = append(headers,
		[2]string{"MIME-Version", "1.0"},
		[2]string{"Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary)},
	)

	for _, header := range headers {
		if _, err := fmt.Fprintf(&buf, "%s: %s\r\n", header[0], header[1]); err != nil {
			return nil, fmt.Errorf("failed to write header %s: %w", header[0], err)
		}
	}

	if _, err := buf.WriteString("\r\n"); err != nil {
		return nil, err
	}

	if msg.Text != "" {
		if err := b.writePart(multipartWriter, "text/plain", msg.Text); err != nil {
			return nil, err
		}
	}

	if msg.HTML != "" {
		if err := b.writePart(multipartWriter, "text/html", msg.HTML); err != nil {
			return nil, err
		}
	}

	for _, attachment := range msg.Attachments {
		if err := b.writeAttachment(multipartWriter, attachment); err != nil {
			return nil, err
		}
	}

	if err := multipartWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to write final boundary: %w", err)
	}

	return buf.Bytes(), nil
}

func (b *messageBuilder) writePart(multipartWriter *multipart.Writer, contentType, body string) error {
	headers := textproto.MIMEHeader{
		"Content-Type":              []string{fmt.Sprintf("%s; charset=utf-8", contentType)},
		"Content-Transfer-Encoding": []string{"quoted-printable"},
	}

	part, err := multipartWriter.CreatePart(headers)
	if err != nil {
		return fmt.Errorf("failed to create part: %w", err)
	}

	writer := quotedprintable.NewWriter(part)
	if _, err := writer.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write part body: %w", err)
	}

	return writer.Close()
}

func (b *messageBuilder) writeAttachment(multipartWriter *multipart.Writer, attachment Attachment) error {
	headers := textproto.MIMEHeader{
		"Content-Type":              []string{b.attachmentMime(attachment)},
		"Content-Disposition":       []string{fmt.Sprintf("attachment; filename=%q", attachment.Filename)},
		"Content-Transfer-Encoding": []string{"base64"},
	}

	part, err := multipartWriter.CreatePart(headers)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, newLineBreakWriter(part, 76))
	if _, err := encoder.Write(attachment.Content); err != nil {
		return fmt.Errorf("failed to write attachment data: %w", err)
	}

	return encoder.Close()
}

// attachmentMime prefers the caller-supplied content type, then sniffs the
// content bytes, then falls back to the filename extension.
func (b *messageBuilder) attachmentMime(attachment Attachment) string {
	if attachment.ContentType != "" {
		return attachment.ContentType
	}

	if kind, _ := filetype.Match(attachment.Content); kind != filetype.Unknown {
		return kind.MIME.Value
	}

	dot := strings.LastIndex(attachment.Filename, ".")
	if dot == -1 {
		return "application/octet-stream"
	}

	switch strings.ToLower(attachment.Filename[dot:]) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

type lineBreakWriter struct {
	w           io.Writer
	lineLength  int
	currentLine int
}

func newLineBreakWriter(w io.Writer, lineLength int) *lineBreakWriter {
	return &lineBreakWriter{w: w, lineLength: lineLength}
}

func (lbw *lineBreakWriter) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		if lbw.currentLine >= lbw.lineLength {
			if _, err := lbw.w.Write([]byte("\r\n")); err != nil {
				return n, err
			}
			lbw.currentLine = 0
		}

		toWrite := lbw.lineLength - lbw.currentLine
		if toWrite > len(p) {
			toWrite = len(p)
		}

		written, err := lbw.w.Write(p[:toWrite])
		n += written
		lbw.currentLine += written
		p = p[toWrite:]

		if err != nil {
			return n, err
		}
	}
	return n, nil
}
