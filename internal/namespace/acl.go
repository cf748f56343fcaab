package namespace

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/config"
)

// Permission is one of the four access rights an ACL rule may grant.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
	PermAdmin  Permission = "admin"
)

// SubjectKind distinguishes the four subject shapes spec.md §4.6 allows.
type SubjectKind int

const (
	SubjectMachine SubjectKind = iota
	SubjectMachineGroup
	SubjectAnyAuthenticated
	SubjectPublic
)

// Subject identifies who an ACL rule applies to.
type Subject struct {
	Kind       SubjectKind
	MachineID  uuid.UUID
	GroupName  string
}

// MatchesRequester reports whether this subject covers a request from
// requester (nil requester means an unauthenticated/public caller).
func (s Subject) MatchesRequester(requesterMachine *uuid.UUID, requesterGroups []string) bool {
	switch s.Kind {
	case SubjectPublic:
		return true
	case SubjectAnyAuthenticated:
		return requesterMachine != nil
	case SubjectMachine:
		return requesterMachine != nil && *requesterMachine == s.MachineID
	case SubjectMachineGroup:
		for _, g := range requesterGroups {
			if g == s.GroupName {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Rule is one ACL entry: a subject, the permissions it grants, and the
// path glob it applies to.
type Rule struct {
	Subject     Subject
	Permissions map[Permission]bool
	PathPattern string
}

func (r Rule) grants(perm Permission) bool {
	return r.Permissions[perm]
}

func (r Rule) matchesPath(path string) bool {
	ok, err := filepath.Match(r.PathPattern, path)
	return err == nil && ok
}

// ACL is an ordered list of rules evaluated first-match-wins; absence of
// any matching rule denies (spec.md §4.6).
type ACL struct {
	Rules []Rule
}

// Allowed reports whether requesterMachine (nil for unauthenticated),
// belonging to requesterGroups, may exercise perm against path.
func (a ACL) Allowed(requesterMachine *uuid.UUID, requesterGroups []string, perm Permission, path string) bool {
	for _, rule := range a.Rules {
		if !rule.matchesPath(path) {
			continue
		}
		if !rule.Subject.MatchesRequester(requesterMachine, requesterGroups) {
			continue
		}
		return rule.grants(perm)
	}
	return false
}

// FromConfig converts the config-surface ACL rules (plain strings, as read
// from a config file) into typed Rules. Unknown subject strings are parsed
// as machine UUIDs; parse failures are reported so the caller can refuse to
// start rather than silently granting nothing.
func FromConfig(rules []config.ACLRuleConfig) (ACL, error) {
	var acl ACL
	for _, rc := range rules {
		subject, err := parseSubject(rc.Subject)
		if err != nil {
			return ACL{}, err
		}
		perms := make(map[Permission]bool, len(rc.Permissions))
		for _, p := range rc.Permissions {
			perms[Permission(p)] = true
		}
		acl.Rules = append(acl.Rules, Rule{
			Subject:     subject,
			Permissions: perms,
			PathPattern: rc.PathPattern,
		})
	}
	return acl, nil
}

func parseSubject(s string) (Subject, error) {
	switch {
	case s == "public":
		return Subject{Kind: SubjectPublic}, nil
	case s == "any-authenticated":
		return Subject{Kind: SubjectAnyAuthenticated}, nil
	case len(s) > len("group:") && s[:len("group:")] == "group:":
		return Subject{Kind: SubjectMachineGroup, GroupName: s[len("group:"):]}, nil
	default:
		id, err := uuid.Parse(s)
		if err != nil {
			return Subject{}, err
		}
		return Subject{Kind: SubjectMachine, MachineID: id}, nil
	}
}
