package imageprocessor

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Input is an image submitted either as an uploaded file or as a base64
// string (optionally a data URL). Bytes normalizes both into raw image bytes.
type Input interface {
	Bytes() ([]byte, error)
	Source() string
}

// FileInput holds the raw bytes of an uploaded file.
type FileInput struct {
	Data []byte
}

func (f FileInput) Bytes() ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty upload")}
	}
	return f.Data, nil
}

func (FileInput) Source() string { return "file" }

// Base64Input holds a base64 payload such as "data:image/jpeg;base64,/9j/...".
type Base64Input struct {
	Payload string
}

func (b Base64Input) Bytes() ([]byte, error) {
	payload := strings.TrimSpace(b.Payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, &DecodeError{Err: errors.New("data url without payload")}
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, &DecodeError{Err: errors.New("empty base64 payload")}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some canvas encoders strip padding.
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, &DecodeError{Err: err}
	}
	return data, nil
}

func (Base64Input) Source() string { return "base64" }
