// Package smtp implements the multi-listener SMTP front end that accepts
// mail from legacy devices and spools it for relay.
package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// decodePlain decodes an AUTH PLAIN response into username and password.
// AUTH PLAIN format: base64(authzid\0authcid\0password), authzid ignored.
func decodePlain(encoded string) (string, string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	return parts[1], parts[2], nil
}

// decodeLogin decodes the two base64 responses of the AUTH LOGIN
// challenge-response exchange.
func decodeLogin(encodedUser, encodedPass string) (string, string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64 password")
	}

	return string(user), string(pass), nil
}
