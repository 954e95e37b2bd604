package models

import (
	"fmt"
	"strings"
)

// Domain identifies which registry owns an entity
type Domain string

const (
	DomainCrypto      Domain = "crypto"
	DomainBanking     Domain = "banking"
	DomainIntegration Domain = "integration"
)

// AllDomains lists every domain in display order
var AllDomains = []Domain{DomainCrypto, DomainBanking, DomainIntegration}

// ParseDomain resolves canonical domain names and the aliases servers use in event types
func ParseDomain(s string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crypto", "wallet", "wallets":
		return DomainCrypto, nil
	case "banking", "bank", "account", "accounts":
		return DomainBanking, nil
	case "integration", "integrations":
		return DomainIntegration, nil
	default:
		return "", fmt.Errorf("unknown domain %q", s)
	}
}

// Valid reports whether d is one of the known domains
func (d Domain) Valid() bool {
	switch d {
	case DomainCrypto, DomainBanking, DomainIntegration:
		return true
	}
	return false
}

func (d Domain) String() string {
	return string(d)
}
