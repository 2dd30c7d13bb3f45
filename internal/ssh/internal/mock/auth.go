package mock

import (
	"bytes"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

// AuthorizedKey accepts only 'key', and only when logging in as 'user', the
// way a node's image authorizes the launch key pair for its default user.
func AuthorizedKey(user string, key ssh.PublicKey) PubKeyCallback {
	authorized := key.Marshal()
	return func(conn ssh.ConnMetadata, offered ssh.PublicKey) (*ssh.Permissions, error) {
		if conn.User() != user || !bytes.Equal(authorized, offered.Marshal()) {
			return nil, fmt.Errorf("%w: %s@%s", ErrUnauthorized, conn.User(), ssh.FingerprintSHA256(offered))
		}
		return &ssh.Permissions{
			Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(offered)},
		}, nil
	}
}
