package usermap

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/bitbridge-tools/jlsync/internal/lark"
)

// resolveBatchLimit caps how many pending users one resolver run touches,
// keeping the directory API load bounded.
const resolveBatchLimit = 50

// DirectoryLookup is the slice of the sink client the resolver needs.
type DirectoryLookup interface {
	LookupUserByEmail(ctx context.Context, email string) (*lark.UserRef, error)
}

// Resolver is the offline path: it drains the pending set by asking the
// sink directory about each username's candidate email addresses.
type Resolver struct {
	cache   *Cache
	lookup  DirectoryLookup
	domains []string
	logger  *log.Logger
}

// NewResolver creates a resolver. domains are the email domains tried in
// order when the cache holds no explicit address for a username.
func NewResolver(cache *Cache, lookup DirectoryLookup, domains []string, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Resolver{cache: cache, lookup: lookup, domains: domains, logger: logger}
}

// Result counts one resolver run's outcomes.
type Result struct {
	Attempted int
	Resolved  int
	Empty     int
	Failed    int
}

// ResolvePending processes up to resolveBatchLimit pending users. Each is
// flipped to valid on a directory hit or empty when every candidate email
// misses. Lookup transport errors leave the entry pending for a later run.
func (r *Resolver) ResolvePending(ctx context.Context) (*Result, error) {
	pending, err := r.cache.Pending(ctx, resolveBatchLimit)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, username := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		ref, err := r.resolveOne(ctx, username)
		if err != nil {
			res.Failed++
			r.logger.Printf("lookup for %s failed, leaving pending: %v", username, err)
			continue
		}

		if ref == nil {
			if err := r.cache.SetEmpty(ctx, username); err != nil {
				return res, err
			}
			res.Empty++
			r.logger.Printf("no directory account for %s", username)
			continue
		}

		if err := r.cache.SetValid(ctx, username, ref.Email, ref.ID, ref.Name); err != nil {
			return res, err
		}
		res.Resolved++
		r.logger.Printf("resolved %s -> %s", username, ref.Email)
	}

	return res, nil
}

// resolveOne tries each candidate email until the directory answers.
// (nil, nil) means every candidate was a definitive miss.
func (r *Resolver) resolveOne(ctx context.Context, username string) (*lark.UserRef, error) {
	emails := r.candidateEmails(ctx, username)
	if len(emails) == 0 {
		return nil, fmt.Errorf("no candidate emails for %s (no domains configured)", username)
	}

	for _, email := range emails {
		ref, err := r.lookup.LookupUserByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return ref, nil
		}
	}
	return nil, nil
}

// candidateEmails builds the addresses to try: a cached explicit email
// first, then username@domain per configured domain. A domain written as
// a full suffix (".tcg@gmail.com") is appended verbatim, covering the
// alias scheme where tracker accounts map to suffixed directory accounts.
func (r *Resolver) candidateEmails(ctx context.Context, username string) []string {
	var emails []string
	seen := make(map[string]bool)
	add := func(email string) {
		if email != "" && !seen[email] {
			seen[email] = true
			emails = append(emails, email)
		}
	}

	if entry, err := r.cache.Get(ctx, username); err == nil && entry != nil {
		add(entry.LarkEmail)
	}

	for _, domain := range r.domains {
		if strings.HasPrefix(domain, ".") && strings.Contains(domain, "@") {
			add(username + domain)
		} else {
			add(username + "@" + domain)
		}
	}
	return emails
}
