package intercom

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
)

// Envelope is the decrypted shape of a user message: a plaintext body with
// optional protocol parts. To carries the nickname the sender knows the
// recipient by; From carries the alias the sender is known by.
type Envelope struct {
	To   string
	From string
	Body string

	PadRequest *AddressPadRequest
	Pad        *AddressPad
}

// Encode renders the envelope as a MIME multipart/mixed message ready for
// sealing.
func (e *Envelope) Encode() ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "To: %s\r\n", e.To)
	fmt.Fprintf(&buf, "From: %s\r\n", e.From)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	bw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`text/plain; charset="utf-8"`},
	})
	if err != nil {
		return nil, fmt.Errorf("intercom: body part: %w", err)
	}
	if _, err := io.WriteString(bw, e.Body); err != nil {
		return nil, fmt.Errorf("intercom: body part: %w", err)
	}

	if e.PadRequest != nil {
		data, err := e.PadRequest.Encode()
		if err != nil {
			return nil, err
		}
		if err := writeJSONPart(mw, DescriptionAddressPadRequest, data); err != nil {
			return nil, err
		}
	}
	if e.Pad != nil {
		data, err := e.Pad.Encode()
		if err != nil {
			return nil, err
		}
		if err := writeJSONPart(mw, DescriptionAddressPad, data); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("intercom: close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

func writeJSONPart(mw *multipart.Writer, description string, data []byte) error {
	pw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {"application/json"},
		"Content-Description": {description},
	})
	if err != nil {
		return fmt.Errorf("intercom: %s part: %w", description, err)
	}
	if _, err := pw.Write(data); err != nil {
		return fmt.Errorf("intercom: %s part: %w", description, err)
	}
	return nil
}

// ParseEnvelope parses a decrypted MIME envelope. Unknown parts are skipped;
// at most one pad and one pad request are honoured per message.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("intercom: parse envelope: %w", err)
	}

	env := &Envelope{
		To:   msg.Header.Get("To"),
		From: msg.Header.Get("From"),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("intercom: content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		// a bare message is just a body
		body, err := io.ReadAll(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("intercom: read body: %w", err)
		}
		env.Body = string(body)
		return env, nil
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var bodies []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("intercom: read part: %w", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("intercom: read part: %w", err)
		}

		ct, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch {
		case ct == "application/json":
			switch part.Header.Get("Content-Description") {
			case DescriptionAddressPadRequest:
				req, err := DecodeAddressPadRequest(data)
				if err != nil {
					return nil, err
				}
				env.PadRequest = req
			case DescriptionAddressPad:
				pad, err := DecodeAddressPad(data)
				if err != nil {
					return nil, err
				}
				env.Pad = pad
			}
		case strings.HasPrefix(ct, "multipart/"), strings.HasPrefix(ct, "application/"):
			// wrappers and opaque attachments are not message text
		default:
			bodies = append(bodies, string(data))
		}
	}

	env.Body = strings.Join(bodies, "\n")
	return env, nil
}
