package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Validation failures. These are never sent back to the client (§4.2,
// §7) — the caller logs them at WARN and drops the frame.
var (
	ErrMissingEncryptionBlock = errors.New("envelope: missing encryption block")
	ErrMissingBody            = errors.New("envelope: missing ciphertext/data field")
	ErrInvalidEncoding        = errors.New("envelope: invalid base64 encoding")
	ErrInvalidNonceLength     = errors.New("envelope: nonce must decode to 12 bytes")
	ErrInvalidTagLength       = errors.New("envelope: tag must decode to 16 bytes")
)

const (
	nonceLen = 12
	tagLen   = 16
)

// decodeB64 accepts both padded and unpadded standard base64 (§3 "Base64
// dialect"), matching the lenience some client SDKs exhibit.
func decodeB64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, ErrInvalidEncoding
}

// ValidateClipboardPayload enforces the encryption-block contract of §4.2.
// It never decrypts and never inspects ciphertext contents.
func ValidateClipboardPayload(raw json.RawMessage) (ClipboardPayload, error) {
	var p ClipboardPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMissingEncryptionBlock, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMissingEncryptionBlock, err)
	}
	if _, ok := fields["encryption"]; !ok {
		return p, ErrMissingEncryptionBlock
	}

	bodyPresent := false
	if _, ok := fields["ciphertext"]; ok {
		bodyPresent = true
	}
	if _, ok := fields["data"]; ok {
		bodyPresent = true
	}

	plaintext := p.Encryption.Nonce == "" && p.Encryption.Tag == ""
	if !plaintext {
		nonce, err := decodeB64(p.Encryption.Nonce)
		if err != nil {
			return p, fmt.Errorf("nonce: %w", err)
		}
		if len(nonce) != nonceLen {
			return p, ErrInvalidNonceLength
		}
		tag, err := decodeB64(p.Encryption.Tag)
		if err != nil {
			return p, fmt.Errorf("tag: %w", err)
		}
		if len(tag) != tagLen {
			return p, ErrInvalidTagLength
		}
	}

	if !bodyPresent {
		return p, ErrMissingBody
	}
	if _, err := decodeB64(p.Body()); err != nil {
		return p, fmt.Errorf("ciphertext: %w", err)
	}

	return p, nil
}
