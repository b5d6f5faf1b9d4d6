package tidal

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// sessionFile mirrors the JSON session written by external auth tooling.
// Only the fields the client needs are read; the rest of the file is left
// alone.
type sessionFile struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	CountryCode string `json:"country_code"`
}

// loadSessionFile reads and validates a catalog session file.
func loadSessionFile(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read session file")
	}

	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to parse session file")
	}

	if session.AccessToken == "" {
		return nil, errors.New("session file carries no access token")
	}

	return &session, nil
}
