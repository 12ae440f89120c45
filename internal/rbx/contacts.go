package rbx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// ContactsClient registers customers' WhatsApp numbers with the contacts API.
type ContactsClient struct {
	baseURL string
	http    *http.Client
}

// NewContactsClient creates a ContactsClient for baseURL (e.g. https://host/api/v1).
// A nil httpClient uses one with DefaultTimeout.
func NewContactsClient(baseURL string, httpClient *http.Client) *ContactsClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &ContactsClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SaveContact posts the contact. Callers treat failures as non-fatal.
func (c *ContactsClient) SaveContact(ctx context.Context, contract, number, name string) error {
	_, err := postJSON(ctx, c.http, c.baseURL+"/contact", nil, map[string]any{
		"contact": map[string]any{
			"contract": contract,
			"number":   number,
			"name":     name,
		},
	})
	if err != nil {
		slog.Warn("ContactsClient.SaveContact: failed", "error", err, "contract", contract)
		return err
	}
	slog.Debug("ContactsClient.SaveContact: saved", "contract", contract)
	return nil
}
