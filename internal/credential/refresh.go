package credential

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// refreshClient is package-level so tests can swap in a Transport that
// never touches the network.
var refreshClient = &http.Client{Timeout: 15 * time.Second}

// RefreshGoogleToken exchanges a refresh token for a new Gemini access
// token via Google's OAuth2 token endpoint (spec.md §4.5).
func RefreshGoogleToken(refreshToken, clientID, clientSecret string) (string, bool) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	resp, err := refreshClient.PostForm("https://oauth2.googleapis.com/token", form)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false
	}
	if body.AccessToken == "" {
		return "", false
	}
	return body.AccessToken, true
}

// errNoToken is a sentinel used internally by usage fetchers to distinguish
// "no credential available" (benign, logged at debug/warning) from a real
// transport error.
var errNoToken = fmt.Errorf("credential: no token available")
