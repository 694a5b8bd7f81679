package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// headerSize is the width of the length-prefix header: a big-endian uint32
// giving the body's byte length. Bodies are JSON objects; 4 bytes caps a
// single message at 4GiB, far beyond anything this protocol ever sends.
const headerSize = 4

// maxBodySize guards against a corrupt or hostile length header driving an
// unbounded allocation.
const maxBodySize = 64 << 20 // 64MiB

// Encode serializes v to its (header, body) byte pair: body is the JSON
// encoding of v, header is body's length as a 4-byte big-endian integer.
// This is the concrete shape of the spec's external framed-message codec.
func Encode(v any) (header, body []byte, err error) {
	body, err = json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: marshal message: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, nil, fmt.Errorf("wire: message body too large: %d bytes", len(body))
	}
	header = make([]byte, headerSize)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	return header, body, nil
}

// Frame serializes v into a single contiguous byte slice (header followed
// by body), for callers that must write header and body as one Write call
// — the server's Pong reply does this deliberately (spec §4.3.2) so a
// Nagle-coalescing or otherwise adversarial transport can never observe a
// header without its body.
func Frame(v any) ([]byte, error) {
	header, body, err := Encode(v)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	frame = append(frame, body...)
	return frame, nil
}

// WriteTo frames v and writes it to w in a single Write call.
func WriteTo(w io.Writer, v any) error {
	frame, err := Frame(v)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decoder parses a byte stream into whole messages, buffering partial
// reads across calls. Each decoded message is handed back as a
// map[string]any; callers use ping.IsPing/ping.IsPong or their own request
// predicate to classify it.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for incremental message decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 4096)}
}

// Decode blocks until one whole message is available on the stream (or an
// error/EOF occurs) and returns it decoded as a map[string]any.
func (d *Decoder) Decode() (map[string]any, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(d.r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxBodySize {
		return nil, fmt.Errorf("wire: message body too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("wire: truncated message body: %w", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("wire: malformed message body: %w", err)
	}
	return msg, nil
}
