package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-engine/internal/types"
)

// ComputeEventID returns the NIP-01 id: sha256 of
// [0, pubkey, created_at, kind, tags, content] without HTML escaping.
func ComputeEventID(event *types.Event) string {
	tags := event.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{
		0,
		event.PubKey,
		event.CreatedAt,
		event.Kind,
		tags,
		event.Content,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.Encode(serialized)

	// Encoder.Encode adds a trailing newline
	jsonBytes := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:])
}

// ParsePrivateKey decodes a 32-byte hex secret key
func ParsePrivateKey(secretHex string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(b) != 32 {
		return nil, errors.New("secret key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return priv, nil
}

// PublicKeyHex returns the x-only public key used as the Nostr pubkey
func PublicKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

// SignEvent fills PubKey, ID and Sig on the event using priv
func SignEvent(event *types.Event, priv *btcec.PrivateKey) error {
	event.PubKey = PublicKeyHex(priv)
	if event.Tags == nil {
		event.Tags = [][]string{}
	}
	event.ID = ComputeEventID(event)

	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	event.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
