package sqlite

import (
	"fmt"

	"github.com/syncwire/syncwire/pkg/security"
)

// codec wraps payload blobs on their way in and out of the database.
// With no encryptor configured it is a passthrough.
type codec struct {
	enc security.Encryptor
}

func (c codec) seal(data []byte) ([]byte, error) {
	if c.enc == nil || data == nil {
		return data, nil
	}
	sealed, err := c.enc.Encrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return sealed, nil
}

func (c codec) open(data []byte) ([]byte, error) {
	if c.enc == nil || data == nil {
		return data, nil
	}
	opened, err := c.enc.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return opened, nil
}
