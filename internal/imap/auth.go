package imap

import "github.com/emersion/go-sasl"

// AuthType selects how Client.Login authenticates.
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeOAuth2   AuthType = "oauth2"
)

// NewXOAuth2Client builds the XOAUTH2 SASL mechanism go-sasl already ships,
// named locally so callers in this package don't need the sasl import just
// for this one constructor.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return sasl.NewXOAuth2Client(username, accessToken)
}
