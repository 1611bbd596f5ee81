package sshed

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// wire format, version 1:
//
//   Name1: Value1
//   Name2: "Value with surrounding whitespace"
//   <blank line>
//   <Size bytes of body>
//
// headers are utf-8 text, the body is opaque bytes. the body length is always
// the value of the `Size` header. a name or value is quoted iff it has leading
// or trailing whitespace or contains `:` or `"`. inside quotes, `"` and `\`
// are backslash-escaped so that encode and decode are exact inverses.

const ProtocolVersion = "1"

const (
	HeaderVersion      = "Version"
	HeaderFilename     = "Filename"
	HeaderFilesize     = "Filesize"
	HeaderSize         = "Size"
	HeaderDifferential = "Differential"
	HeaderChecksum     = "Checksum"
)

const (
	BoolTrue  = "True"
	BoolFalse = "False"
)

type Header struct {
	Name  string
	Value string
}

type Frame struct {
	Headers []Header
	Body    []byte
}

func NewFrame() *Frame {
	return &Frame{}
}

func (self *Frame) Get(name string) (string, bool) {
	for _, header := range self.Headers {
		if header.Name == name {
			return header.Value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing header or appends a new one,
// preserving header order.
func (self *Frame) Set(name string, value string) *Frame {
	for i := range self.Headers {
		if self.Headers[i].Name == name {
			self.Headers[i].Value = value
			return self
		}
	}
	self.Headers = append(self.Headers, Header{Name: name, Value: value})
	return self
}

func (self *Frame) SetInt(name string, value int) *Frame {
	return self.Set(name, strconv.Itoa(value))
}

func (self *Frame) SetBool(name string, value bool) *Frame {
	if value {
		return self.Set(name, BoolTrue)
	}
	return self.Set(name, BoolFalse)
}

func (self *Frame) Int(name string) (int, error) {
	value, ok := self.Get(name)
	if !ok {
		return 0, fmt.Errorf("missing %s header: %w", name, ErrProtocol)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("non-numeric %s header %q: %w", name, value, ErrProtocol)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative %s header %d: %w", name, n, ErrProtocol)
	}
	return n, nil
}

// Bool reads a True/False header. An absent header is False.
func (self *Frame) Bool(name string) bool {
	value, _ := self.Get(name)
	return value == BoolTrue
}

func needsQuoting(s string) bool {
	if s != strings.TrimSpace(s) {
		return true
	}
	return strings.ContainsAny(s, ":\"")
}

func quote(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func renderField(s string) string {
	if needsQuoting(s) {
		return quote(s)
	}
	return s
}

// EncodeFrame renders the frame as header block, blank line, body. The Size
// header is rendered from the body length; any Size present on the frame is
// ignored, and the frame itself is never modified.
func EncodeFrame(frame *Frame) ([]byte, error) {
	out := &bytes.Buffer{}
	if err := WriteFrame(out, frame); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func WriteFrame(w io.Writer, frame *Frame) error {
	block := &bytes.Buffer{}
	seen := map[string]bool{}
	for _, header := range frame.Headers {
		if header.Name == HeaderSize {
			// rendered from the body length below
			continue
		}
		if header.Name == "" {
			return fmt.Errorf("empty header name: %w", ErrProtocol)
		}
		if strings.ContainsAny(header.Name, ":\n") {
			return fmt.Errorf("header name %q contains a colon or newline: %w", header.Name, ErrProtocol)
		}
		if strings.Contains(header.Value, "\n") {
			return fmt.Errorf("header %s value contains a raw newline: %w", header.Name, ErrProtocol)
		}
		if seen[header.Name] {
			return fmt.Errorf("duplicate header %s: %w", header.Name, ErrProtocol)
		}
		seen[header.Name] = true
		fmt.Fprintf(block, "%s: %s\n", renderField(header.Name), renderField(header.Value))
	}
	fmt.Fprintf(block, "%s: %d\n", HeaderSize, len(frame.Body))
	block.WriteByte('\n')

	if _, err := w.Write(block.Bytes()); err != nil {
		return err
	}
	if _, err := w.Write(frame.Body); err != nil {
		return err
	}
	return nil
}

// FrameReader decodes successive frames from a byte stream.
type FrameReader struct {
	reader *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		reader: bufio.NewReader(r),
	}
}

// ReadFrame reads the next complete frame. A stream that ends cleanly at a
// frame boundary returns io.EOF. A stream that ends mid-headers or before
// `Size` body bytes have arrived returns an error wrapping ErrIncompleteFrame.
func (self *FrameReader) ReadFrame() (*Frame, error) {
	frame := &Frame{}
	seen := map[string]bool{}

	first := true
	for {
		line, err := self.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && first && line == "" {
				// clean disconnect at a frame boundary
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, fmt.Errorf("stream closed during headers: %w", ErrIncompleteFrame)
			}
			return nil, err
		}
		line = strings.TrimSuffix(line, "\n")
		first = false
		if line == "" {
			break
		}
		name, value, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate header %s: %w", name, ErrProtocol)
		}
		seen[name] = true
		frame.Headers = append(frame.Headers, Header{Name: name, Value: value})
	}

	if _, ok := frame.Get(HeaderSize); !ok {
		// headers-only frame
		return frame, nil
	}
	size, err := frame.Int(HeaderSize)
	if err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(self.reader, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("stream closed after header block, expected %d body bytes: %w", size, ErrIncompleteFrame)
		}
		return nil, err
	}
	frame.Body = body
	return frame, nil
}

// parseHeaderLine splits one `name: value` line, honoring quoting. Unquoted
// fields are trimmed of surrounding whitespace; quoted fields are returned
// exactly as written inside the quotes.
func parseHeaderLine(line string) (string, string, error) {
	name, rest, err := parseField(line)
	if err != nil {
		return "", "", err
	}
	rest = strings.TrimLeft(rest, " \t")
	if !strings.HasPrefix(rest, ":") {
		return "", "", fmt.Errorf("header line %q has no colon after name: %w", line, ErrProtocol)
	}
	rest = strings.TrimLeft(rest[1:], " \t")
	if strings.HasPrefix(rest, `"`) {
		value, tail, err := parseQuoted(rest)
		if err != nil {
			return "", "", err
		}
		if strings.TrimSpace(tail) != "" {
			return "", "", fmt.Errorf("header line %q has trailing data after quoted value: %w", line, ErrProtocol)
		}
		return name, value, nil
	}
	// an unquoted value runs to the end of the line and is trimmed
	return name, strings.TrimSpace(rest), nil
}

// parseField reads the name field from the start of s. A quoted name consumes
// up to its closing quote; an unquoted name consumes up to the next colon (or
// end of string) and is trimmed. Returns the field and the unconsumed rest.
func parseField(s string) (string, string, error) {
	trimmed := strings.TrimLeft(s, " \t")
	if strings.HasPrefix(trimmed, `"`) {
		return parseQuoted(trimmed)
	}
	if i := strings.IndexByte(trimmed, ':'); 0 <= i {
		return strings.TrimSpace(trimmed[:i]), trimmed[i:], nil
	}
	return strings.TrimSpace(trimmed), "", nil
}

// parseQuoted reads a `"..."` field with backslash escapes. s must start with
// the opening quote.
func parseQuoted(s string) (string, string, error) {
	field := &strings.Builder{}
	escaped := false
	for i := 1; i < len(s); i += 1 {
		c := s[i]
		if escaped {
			field.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			return field.String(), s[i+1:], nil
		default:
			field.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("unterminated quote in %q: %w", s, ErrProtocol)
}
