// Package codec provides canonical payload serialization and integrity
// hashing for queued operations. Identical logical content always produces
// identical bytes and therefore an identical hash, regardless of the field
// order the business layer happened to use.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dukantech/shopsync/internal/errors"
)

// Encode canonically serializes a record and returns the payload bytes
// together with their SHA-256 content hash.
func Encode(v interface{}) ([]byte, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrInvalid, "payload is not serializable", err)
	}

	payload, err := Canonicalize(raw)
	if err != nil {
		return nil, "", err
	}

	return payload, HashPayload(payload), nil
}

// Canonicalize rewrites a JSON document into its canonical form: object keys
// sorted lexicographically at every nesting level, no insignificant
// whitespace, numbers preserved verbatim.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "payload is not valid JSON", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashPayload returns the hex-encoded SHA-256 digest of the payload bytes.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify checks a payload against its recorded content hash. A mismatch
// means the payload was corrupted after enqueue and the attempt must not
// proceed.
func Verify(payload []byte, hash string) bool {
	return HashPayload(payload) == hash
}

// VerifyStrict is Verify with a categorized error for the dispatcher path.
func VerifyStrict(payload []byte, hash string) error {
	if !Verify(payload, hash) {
		return errors.New(errors.ErrIntegrity, "payload hash mismatch")
	}
	return nil
}

// writeCanonical serializes a decoded JSON value deterministically.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyData, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyData)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.New(errors.ErrInvalid, fmt.Sprintf("unsupported JSON value type %T", v))
	}
	return nil
}
