// Package credentials resolves per-account secrets for the external collaborators.
package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
)

// Collaborators a credential can be requested for
const (
	ServiceSearch     = "search"
	ServiceEnrichment = "enrichment"
	ServiceSMTP       = "smtp"
)

// Credential is the secret material of one collaborator for one account
type Credential struct {
	APIKey   string
	Username string
	Password string
}

// Static serves credentials from the accounts section of the config file
type Static struct {
	accounts map[string]config.AccountConfig
}

// NewStatic creates a provider over the configured accounts
func NewStatic(accounts map[string]config.AccountConfig) *Static {
	return &Static{accounts: accounts}
}

// Resolve returns the account's credential for service. A missing account or an empty
// secret is reported as domain.ErrMissingCredential.
func (s *Static) Resolve(_ context.Context, accountID, service string) (Credential, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return Credential{}, fmt.Errorf("%w: account %s is not configured", domain.ErrMissingCredential, accountID)
	}

	var cred Credential
	switch service {
	case ServiceSearch:
		cred.APIKey = account.SearchAPIKey
	case ServiceEnrichment:
		cred.APIKey = account.EnrichAPIKey
	case ServiceSMTP:
		cred.Username = account.SMTPUsername
		cred.Password = account.SMTPPassword
		// accounts without their own mailbox send through the shared transport
		return cred, nil
	default:
		return Credential{}, fmt.Errorf("unknown credential service %q", service)
	}

	if strings.TrimSpace(cred.APIKey) == "" {
		return Credential{}, fmt.Errorf("%w: %s key for account %s", domain.ErrMissingCredential, service, accountID)
	}
	return cred, nil
}
