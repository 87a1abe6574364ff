package policy

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const responderIDPrefix = "wdr1"

var ErrInvalidResponderIdentity = errors.New("invalid responder identity")

// BuildResponderID derives a stable responder id from the reverse-DNS name and
// display name so restarts of the same wallet keep their identity.
func BuildResponderID(rdns, name string) (string, error) {
	rdns = strings.ToLower(strings.TrimSpace(rdns))
	name = strings.TrimSpace(name)
	if rdns == "" || name == "" {
		return "", ErrInvalidResponderIdentity
	}
	h := blake2b.Sum256([]byte(rdns + "|" + name))
	return responderIDPrefix + base58.Encode(h[:20]), nil
}
