package vault

import "fmt"

const redacted = "[REDACTED]"

// Credentials are decrypted bucket secrets. Every textual form is redacted so
// a stray log field or JSON response cannot leak them.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

func (Credentials) String() string   { return redacted }
func (Credentials) GoString() string { return redacted }

func (c Credentials) Format(f fmt.State, _ rune) { _, _ = f.Write([]byte(redacted)) }

func (Credentials) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

func (Credentials) MarshalText() ([]byte, error) { return []byte(redacted), nil }
