package auth

import (
	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism Gmail's IMAP endpoint
// expects. The whole credential travels in the initial response.
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2 builds a sasl.Client presenting token as a bearer credential
// for username.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

// Next only fires when the server rejects the credential with an error
// challenge; an empty reply prompts the final NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}
