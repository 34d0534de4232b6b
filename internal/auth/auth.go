// Package auth acquires Gmail OAuth credentials for an account. It is an
// opaque collaborator to the sync engine: the engine only ever sees the
// authenticated HTTP client, and a credential failure surfaces before any
// sync state is touched.
package auth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
)

const tokenFileName = "token.json"

// CredentialError is a fatal precondition: no sync may start without
// working credentials.
type CredentialError struct {
	Account string
	Err     error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials for account %q: %v", e.Account, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Client returns an authenticated HTTP client for the account. The OAuth
// client config is read from credentialsPath; the user token is cached in
// the account data dir and refreshed transparently by the token source.
// With no cached token, an interactive console flow runs once.
func Client(ctx context.Context, credentialsPath, account, dataDir string) (*http.Client, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, &CredentialError{Account: account, Err: fmt.Errorf("read client credentials: %w", err)}
	}

	config, err := google.ConfigFromJSON(b, gmailapi.GmailReadonlyScope)
	if err != nil {
		return nil, &CredentialError{Account: account, Err: fmt.Errorf("parse client credentials: %w", err)}
	}

	tokenPath := filepath.Join(dataDir, tokenFileName)
	tok, err := tokenFromFile(tokenPath)
	if err != nil {
		tok, err = tokenFromConsole(ctx, config)
		if err != nil {
			return nil, &CredentialError{Account: account, Err: err}
		}
		if err := saveToken(tokenPath, tok); err != nil {
			return nil, &CredentialError{Account: account, Err: err}
		}
	}

	return config.Client(ctx, tok), nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode cached token: %w", err)
	}
	return tok, nil
}

// tokenFromConsole walks the user through the one-time authorization grant.
func tokenFromConsole(ctx context.Context, config *oauth2.Config) (*oauth2.Token, error) {
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Printf("Open the following link in your browser, then paste the authorization code:\n%v\n> ", authURL)

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}

	tok, err := config.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cache token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}
