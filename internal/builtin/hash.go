package builtin

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/rendis/opgraph/internal/engine"
)

// hashFunc returns a constructor for the named algorithm.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// Digest is the payload emitted by the hash kind.
type Digest struct {
	Algorithm string `json:"algorithm"`
	Hex       string `json:"hex"`
	HMAC      bool   `json:"hmac,omitempty"`
}

func hashKind() Kind {
	return Kind{
		Name:        "hash",
		Description: "Hash the payload (strings raw, other values as JSON); HMAC when a key is set",
		New: func(id string, config map[string]any) (engine.Factory, error) {
			algorithm := stringParam(config, "algorithm", "sha256")
			newHash, err := hashFunc(algorithm)
			if err != nil {
				return nil, err
			}
			key := stringParam(config, "key", "")
			emit, err := emitterFor(config)
			if err != nil {
				return nil, err
			}

			return shared(engine.NewExecutor(id, engine.HandleFunc(
				func(_ context.Context, msg any, wc engine.WorkflowContext) error {
					text, err := asText(msg)
					if err != nil {
						return err
					}
					var h hash.Hash
					if key != "" {
						h = hmac.New(newHash, []byte(key))
					} else {
						h = newHash()
					}
					h.Write([]byte(text))
					emit(wc, Digest{Algorithm: algorithm, Hex: hex.EncodeToString(h.Sum(nil)), HMAC: key != ""})
					return nil
				}))), nil
		},
	}
}
