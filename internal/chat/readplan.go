package chat

import (
	"crypto/rsa"

	"consultancy-chat/internal/crypto"
)

// source is one way of turning a stored message into text for a reader.
type source int

const (
	sourceEncrypted source = iota
	sourcePlaintext
)

func (s source) String() string {
	if s == sourceEncrypted {
		return "encrypted"
	}
	return "plaintext"
}

// readPlan lists, in order, the renderings worth trying for this reader.
// An empty plan means the message is skipped.
func readPlan(m *Message, readerID int64, hasPrivateKey bool) []source {
	var plan []source
	if _, ok := m.WrappedKeyFor(readerID); ok && hasPrivateKey && m.EncryptedContent != "" {
		plan = append(plan, sourceEncrypted)
	}
	if m.Text != "" {
		plan = append(plan, sourcePlaintext)
	}
	return plan
}

// rendering is the outcome of walking a read plan.
type rendering struct {
	Text   string
	Source source
	OK     bool
	Err    error // last decryption error, if any step failed
}

// render walks the plan and stops at the first step that yields text.
func render(m *Message, readerID int64, privateKey *rsa.PrivateKey) rendering {
	var r rendering
	for _, step := range readPlan(m, readerID, privateKey != nil) {
		switch step {
		case sourceEncrypted:
			wrapped, _ := m.WrappedKeyFor(readerID)
			text, err := crypto.DecryptWithKey(m.Payload(), wrapped, privateKey)
			if err != nil {
				r.Err = err
				continue
			}
			r.Text, r.Source, r.OK = text, sourceEncrypted, true
			return r
		case sourcePlaintext:
			r.Text, r.Source, r.OK = m.Text, sourcePlaintext, true
			return r
		}
	}
	return r
}
