package oauth2

import "golang.org/x/oauth2"

// Endpoint returns the authorization/token URLs for provider. Hand-written
// rather than imported from golang.org/x/oauth2/google or /microsoft: those
// subpackages pull in cloud-metadata-detection dependencies this module has
// no other use for, and the two URLs below are stable, publicly documented
// constants.
func Endpoint(provider string) (oauth2.Endpoint, bool) {
	switch provider {
	case ProviderGoogle:
		return oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		}, true
	case ProviderMicrosoft:
		return oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		}, true
	default:
		return oauth2.Endpoint{}, false
	}
}
