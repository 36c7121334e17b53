// Package settings resolves per-account outreach settings into immutable values.
package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/leadflow/internal/config"
	"github.com/cuongbtq/leadflow/internal/domain"
)

// Account is the resolved, read-only configuration of one account. It is built once at
// startup and passed by value into scheduler passes.
type Account struct {
	ID          string
	SenderName  string
	SenderEmail string
	Company     string
	Timing      domain.Timing
	variables   map[string]string
}

// Variables returns the account fields available to message templates merged over the
// lead variables. Lead variables win on conflict.
func (a Account) Variables(lead map[string]string) map[string]string {
	vars := make(map[string]string, len(a.variables)+len(lead)+3)
	for k, v := range a.variables {
		vars[k] = v
	}
	vars["sender_name"] = a.SenderName
	vars["sender_email"] = a.SenderEmail
	vars["company"] = a.Company
	for k, v := range lead {
		vars[k] = v
	}
	return vars
}

// Static serves accounts from the config file. Unknown accounts get the default timing
// and the shared sender.
type Static struct {
	accounts map[string]Account
	fallback Account
}

// NewStatic resolves every configured account. An invalid timing table fails startup.
func NewStatic(accounts map[string]config.AccountConfig, mail config.MailConfig, defaultDelay time.Duration) (*Static, error) {
	fallbackTiming, err := domain.NewTiming(nil, defaultDelay)
	if err != nil {
		return nil, err
	}

	s := &Static{
		accounts: make(map[string]Account, len(accounts)),
		fallback: Account{
			SenderName:  mail.FromName,
			SenderEmail: mail.FromAddress,
			Timing:      fallbackTiming,
		},
	}

	for id, cfg := range accounts {
		timing, err := domain.NewTiming(cfg.Timing, defaultDelay)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", id, err)
		}

		account := Account{
			ID:          id,
			SenderName:  cfg.SenderName,
			SenderEmail: cfg.SenderEmail,
			Company:     cfg.Company,
			Timing:      timing,
			variables:   make(map[string]string, len(cfg.Variables)),
		}
		if account.SenderName == "" {
			account.SenderName = mail.FromName
		}
		if account.SenderEmail == "" {
			account.SenderEmail = mail.FromAddress
		}
		for k, v := range cfg.Variables {
			account.variables[k] = v
		}
		s.accounts[id] = account
	}
	return s, nil
}

// Account returns the resolved settings of accountID
func (s *Static) Account(_ context.Context, accountID string) (Account, error) {
	if account, ok := s.accounts[accountID]; ok {
		return account, nil
	}
	account := s.fallback
	account.ID = accountID
	return account, nil
}
