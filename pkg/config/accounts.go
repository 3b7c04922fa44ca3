package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AccountConfig declares one trading account supervised by the manager.
type AccountConfig struct {
	AccountID  string   `yaml:"account_id"`
	Enabled    bool     `yaml:"enabled"`
	BrokerName string   `yaml:"broker_name"`
	Gateway    string   `yaml:"gateway"` // adapter name, e.g. "sim"
	Currency   string   `yaml:"currency"`
	Symbols    []string `yaml:"symbols"` // std symbols subscribed at startup
}

// AccountsFile is the on-disk accounts.yaml layout.
type AccountsFile struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// LoadAccounts parses the accounts catalog.
func LoadAccounts(path string) ([]AccountConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f AccountsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	for _, a := range f.Accounts {
		if a.AccountID == "" {
			return nil, fmt.Errorf("accounts file %s: account with empty account_id", path)
		}
	}
	return f.Accounts, nil
}

// FindAccount returns the config for one account id, or nil.
func FindAccount(accounts []AccountConfig, id string) *AccountConfig {
	for i := range accounts {
		if accounts[i].AccountID == id {
			return &accounts[i]
		}
	}
	return nil
}
