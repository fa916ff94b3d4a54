// Package filter evaluates named subscription rules against firehose
// events and persists them as a YAML ruleset.
package filter

import (
	"errors"
	"slices"
	"strings"

	"github.com/skystream/skystream/firehose"
)

var (
	ErrUnknownFilter = errors.New("filter: no such named filter")
	ErrNoSuchDid     = errors.New("filter: no such did")
	ErrNoSuchHandle  = errors.New("filter: no such handle")
)

// Subscribes selects events by author repository. Handles are resolved to
// DIDs once at load time; matching consults the DID list only.
type Subscribes struct {
	Dids    []string `yaml:"dids,omitempty"`
	Handles []string `yaml:"handles,omitempty"`
}

func (s *Subscribes) matches(repo string) bool {
	return slices.Contains(s.Dids, repo)
}

// Terms is an include/exclude pair used for keyword and language clauses.
// A nil include or exclude list contributes false to its predicate.
type Terms struct {
	Includes []string `yaml:"includes,omitempty"`
	Excludes []string `yaml:"excludes,omitempty"`
}

func termsHit(terms []string, posts []firehose.PostRef, hit func(*firehose.PostRef, string) bool) bool {
	for _, p := range posts {
		for _, t := range terms {
			if hit(&p, t) {
				return true
			}
		}
	}
	return false
}

func textContains(p *firehose.PostRef, term string) bool {
	return strings.Contains(p.Post.Text, term)
}

func langContains(p *firehose.PostRef, code string) bool {
	return slices.Contains(p.Post.Langs, code)
}

// Filter is one named rule. All three clauses absent means match
// everything.
type Filter struct {
	Name       string      `yaml:"name"`
	Subscribes *Subscribes `yaml:"subscribes,omitempty"`
	Keywords   *Terms      `yaml:"keywords,omitempty"`
	Langs      *Terms      `yaml:"langs,omitempty"`
}

// Matches evaluates the rule against ev. For a commit the author clause
// decides which content clause applies: a subscribed author is let through
// unless a content exclude vetoes it, an unsubscribed author must earn a
// content include hit. Handle changes match when the DID is subscribed.
// Every other variant is infrastructure and always matches.
func (f *Filter) Matches(ev *firehose.Event) bool {
	if f.Subscribes == nil && f.Keywords == nil && f.Langs == nil {
		return true
	}
	switch {
	case ev.Commit != nil:
		return f.matchesCommit(ev.Commit)
	case ev.Handle != nil:
		return f.Subscribes != nil && f.Subscribes.matches(ev.Handle.Did)
	}
	return true
}

func (f *Filter) matchesCommit(c *firehose.Commit) bool {
	posts := c.Posts()
	if f.Subscribes != nil && f.Subscribes.matches(c.Repo) {
		veto := (f.Keywords != nil && termsHit(f.Keywords.Excludes, posts, textContains)) ||
			(f.Langs != nil && termsHit(f.Langs.Excludes, posts, langContains))
		return !veto
	}
	return (f.Keywords != nil && termsHit(f.Keywords.Includes, posts, textContains)) ||
		(f.Langs != nil && termsHit(f.Langs.Includes, posts, langContains))
}

// Init resolves the subscribe clause's handles to DIDs and unions them
// into the DID list. resolver failures skip the handle; the handle list is
// left intact for the next load.
func (f *Filter) Init(resolver func(handle string) (string, error)) {
	if f.Subscribes == nil || len(f.Subscribes.Handles) == 0 || resolver == nil {
		return
	}
	seen := make(map[string]struct{}, len(f.Subscribes.Dids))
	for _, d := range f.Subscribes.Dids {
		seen[d] = struct{}{}
	}
	for _, h := range f.Subscribes.Handles {
		did, err := resolver(h)
		if err != nil {
			continue
		}
		if _, ok := seen[did]; !ok {
			seen[did] = struct{}{}
			f.Subscribes.Dids = append(f.Subscribes.Dids, did)
		}
	}
}

// SubscribeRepo adds a DID to the subscribe clause, creating it if needed.
func (f *Filter) SubscribeRepo(did string) {
	if f.Subscribes == nil {
		f.Subscribes = &Subscribes{}
	}
	f.Subscribes.Dids = append(f.Subscribes.Dids, did)
}

// UnsubscribeRepo removes a DID from the subscribe clause.
func (f *Filter) UnsubscribeRepo(did string) error {
	if f.Subscribes == nil || f.Subscribes.Dids == nil {
		return ErrNoSuchDid
	}
	f.Subscribes.Dids = slices.DeleteFunc(f.Subscribes.Dids, func(d string) bool {
		return d == did
	})
	return nil
}

// SubscribeHandle adds a handle to the subscribe clause, skipping
// duplicates.
func (f *Filter) SubscribeHandle(handle string) {
	if f.Subscribes == nil {
		f.Subscribes = &Subscribes{}
	}
	if !slices.Contains(f.Subscribes.Handles, handle) {
		f.Subscribes.Handles = append(f.Subscribes.Handles, handle)
	}
}

// UnsubscribeHandle removes a handle from the subscribe clause.
func (f *Filter) UnsubscribeHandle(handle string) error {
	if f.Subscribes == nil || f.Subscribes.Handles == nil {
		return ErrNoSuchHandle
	}
	f.Subscribes.Handles = slices.DeleteFunc(f.Subscribes.Handles, func(h string) bool {
		return h == handle
	})
	return nil
}
