// Package auth issues and verifies gateway API tokens.
//
// A token is handed out exactly once, as "tg_<id>_<secret>", and is never
// stored in the clear: only the bcrypt hash of the secret part survives in
// the database. The embedded id lets verification look up the row directly
// instead of comparing the secret against every stored hash.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/polydash/termgate/internal/database"
)

const (
	// tokenPrefix marks gateway tokens so leaked ones are easy to grep for.
	tokenPrefix = "tg"
	BcryptCost  = 12
	secretBytes = 24
)

var ErrInvalidToken = errors.New("invalid API token")

// Mint creates a named API token and returns its one-time plaintext form
// along with the stored record. The plaintext cannot be recovered later.
func Mint(name string) (string, *database.APIToken, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	secret := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", nil, err
	}

	token := &database.APIToken{Name: name, SecretHash: string(hash)}
	if err := database.CreateAPIToken(token); err != nil {
		return "", nil, fmt.Errorf("store token: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", tokenPrefix, token.ID, secret), token, nil
}

// Verify checks a plaintext token against the database and returns its
// record. The record's last-used timestamp is refreshed on success.
func Verify(raw string) (*database.APIToken, error) {
	id, secret, err := split(raw)
	if err != nil {
		return nil, err
	}
	token, err := database.GetAPIToken(id)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if token.Revoked {
		return nil, ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword([]byte(token.SecretHash), []byte(secret)) != nil {
		return nil, ErrInvalidToken
	}
	if err := database.TouchAPIToken(token.ID); err != nil {
		// Last-used is advisory; a failed touch must not fail the request.
		log.Printf("[auth] touch token %d: %v", token.ID, err)
	}
	return token, nil
}

func split(raw string) (uint, string, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 || parts[0] != tokenPrefix || parts[1] == "" || parts[2] == "" {
		return 0, "", ErrInvalidToken
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, "", ErrInvalidToken
	}
	return uint(id), parts[2], nil
}
