package messaging

import (
	"fmt"
	"strings"

	"github.com/noFAYZ/sync-tracker/pkg/models"
)

// Subject layout. Events flow in on sync.events, the tracker broadcasts on sync.state
// and sync.summary, resume requests go out on sync.resume.
const (
	subjectRoot    = "sync"
	SummarySubject = "sync.summary"
	StateWildcard  = "sync.state.>"
)

// EventSubject carries raw sync events for domain
func EventSubject(domain models.Domain) string {
	return fmt.Sprintf("%s.events.%s", subjectRoot, domain)
}

// StateSubject carries registry changes of domain
func StateSubject(domain models.Domain) string {
	return fmt.Sprintf("%s.state.%s", subjectRoot, domain)
}

// ResumeSubject is the request/reply subject of the resume RPC
func ResumeSubject(domain models.Domain) string {
	return fmt.Sprintf("%s.resume.%s", subjectRoot, domain)
}

// DomainFromSubject extracts the trailing domain token of a sync subject
func DomainFromSubject(subject string) (models.Domain, error) {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 || !strings.HasPrefix(subject, subjectRoot+".") {
		return "", fmt.Errorf("not a sync subject: %q", subject)
	}
	return models.ParseDomain(subject[idx+1:])
}
