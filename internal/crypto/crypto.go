// Package crypto mints and verifies the short-lived attach tokens handed
// out by session negotiation. Tokens are fernet: signed, encrypted and
// TTL-checked, so the websocket attach endpoint can authorize a client
// without a database lookup.
package crypto

import (
	"fmt"
	"sync"

	"github.com/fernet/fernet-go"
	"github.com/polydash/termgate/internal/config"
	"github.com/polydash/termgate/internal/database"
)

const (
	primaryKeySetting  = "fernet_key_primary"
	previousKeySetting = "fernet_key_previous"
)

var keyMu sync.Mutex

// loadKeys returns the primary key first, then the previous key if one
// exists. Verification tries both so a rotation never cuts off attach
// flows negotiated just before it.
func loadKeys() ([]*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()

	primaryStr, err := database.GetSetting(primaryKeySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(primaryKeySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return []*fernet.Key{&k}, nil
	}

	primary, err := fernet.DecodeKey(primaryStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	keys := []*fernet.Key{primary}

	if prevStr, err := database.GetSetting(previousKeySetting); err == nil && prevStr != "" {
		if prev, err := fernet.DecodeKey(prevStr); err == nil {
			keys = append(keys, prev)
		}
	}
	return keys, nil
}

// MintAttachToken issues a token binding the caller to one session.
func MintAttachToken(sessionID string) (string, error) {
	keys, err := loadKeys()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(sessionID), keys[0])
	if err != nil {
		return "", fmt.Errorf("sign attach token: %w", err)
	}
	return string(tok), nil
}

// VerifyAttachToken checks signature and age, returning the session ID the
// token was minted for.
func VerifyAttachToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("attach token missing")
	}
	keys, err := loadKeys()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), config.Cfg.AttachTokenTTLDuration(), keys)
	if msg == nil {
		return "", fmt.Errorf("attach token invalid or expired")
	}
	return string(msg), nil
}

// RotateKeys demotes the primary key and generates a fresh one. Tokens
// signed by the demoted key stay valid until their TTL runs out.
func RotateKeys() error {
	keyMu.Lock()
	defer keyMu.Unlock()

	primaryStr, err := database.GetSetting(primaryKeySetting)
	if err != nil {
		// Nothing issued yet. The next mint generates a key.
		return nil
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return fmt.Errorf("generate fernet key: %w", err)
	}
	if err := database.SetSetting(previousKeySetting, primaryStr); err != nil {
		return fmt.Errorf("demote fernet key: %w", err)
	}
	if err := database.SetSetting(primaryKeySetting, k.Encode()); err != nil {
		return fmt.Errorf("save fernet key: %w", err)
	}
	return nil
}

// Mask renders a credential for display, keeping only the last 4 chars.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
