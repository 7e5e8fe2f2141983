// Package batch converts queue payloads to and from ordered mail documents.
//
// The wire format is a MessagePack array whose elements are byte strings,
// each holding one complete RFC 5322 message.
package batch

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"mailbridge/internal/email"
)

// ErrEmptyPayload is wrapped by DecodeError when the payload has no bytes.
var ErrEmptyPayload = errors.New("empty payload")

// DecodeError reports a payload whose outer framing is malformed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("batch: decode payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ParseError reports a single document inside the batch that is not a valid
// mail message.
type ParseError struct {
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("batch: parse document %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DecodeBlobs unwraps the outer framing without parsing the documents.
func DecodeBlobs(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Err: ErrEmptyPayload}
	}
	var blobs [][]byte
	if err := msgpack.Unmarshal(payload, &blobs); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return blobs, nil
}

// EncodeBlobs wraps raw messages in the outer framing.
func EncodeBlobs(blobs [][]byte) ([]byte, error) {
	if blobs == nil {
		blobs = [][]byte{}
	}
	payload, err := msgpack.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("batch: encode payload: %w", err)
	}
	return payload, nil
}

// Decode parses every document in the payload. One malformed document fails
// the whole batch.
func Decode(payload []byte) ([]email.Document, error) {
	blobs, err := DecodeBlobs(payload)
	if err != nil {
		return nil, err
	}
	docs := make([]email.Document, 0, len(blobs))
	for i, blob := range blobs {
		doc, err := email.Parse(blob)
		if err != nil {
			return nil, &ParseError{Index: i, Err: err}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Encode renders each document and frames the result. Documents carrying Raw
// bytes are framed as-is.
func Encode(docs []email.Document) ([]byte, error) {
	blobs := make([][]byte, 0, len(docs))
	for i, doc := range docs {
		if len(doc.Raw) > 0 {
			blobs = append(blobs, doc.Raw)
			continue
		}
		raw, err := email.Compose(doc)
		if err != nil {
			return nil, fmt.Errorf("batch: compose document %d: %w", i, err)
		}
		blobs = append(blobs, raw)
	}
	return EncodeBlobs(blobs)
}
