// Package memstore is an in-process implementation of auth.Store. It backs
// local development when no database is configured and the handler tests.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"gymdesk.org/internal/auth"
	"gymdesk.org/internal/ids"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[string]*auth.User // by id
	roles         map[string]auth.Role  // by upper-cased name
	userRoles     map[string][]string   // user id -> role names
	twoFactor     map[string]auth.TwoFactorToken
	codeFailures  map[string]int // by two-factor token id
	confirmations map[string]auth.TwoFactorConfirmation
	emailTokens   map[auth.TokenPurpose]map[string]auth.EmailToken // by email
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:           time.Now,
		users:         make(map[string]*auth.User),
		roles:         make(map[string]auth.Role),
		userRoles:     make(map[string][]string),
		twoFactor:     make(map[string]auth.TwoFactorToken),
		codeFailures:  make(map[string]int),
		confirmations: make(map[string]auth.TwoFactorConfirmation),
		emailTokens: map[auth.TokenPurpose]map[string]auth.EmailToken{
			auth.PurposeVerification:  {},
			auth.PurposePasswordReset: {},
		},
	}
}

// PutRole inserts or replaces a role definition.
func (s *Store) PutRole(r auth.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = ids.New()
	}
	s.roles[strings.ToUpper(r.Name)] = cloneRole(r)
}

// PutUser inserts or replaces a user along with role assignments by name.
// Roles must have been added with PutRole.
func (s *Store) PutUser(u auth.User, roleNames ...string) *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = auth.NormalizeEmail(u.Email)
	u.Roles = nil
	stored := u
	s.users[u.ID] = &stored
	s.userRoles[u.ID] = append([]string(nil), roleNames...)
	return s.hydrate(&stored)
}

func (s *Store) Users(context.Context) auth.UserStore { return users{s} }

func (s *Store) TwoFactorTokens(context.Context) auth.TwoFactorTokenStore { return twoFactorTokens{s} }

func (s *Store) TwoFactorConfirmations(context.Context) auth.TwoFactorConfirmationStore {
	return confirmations{s}
}

func (s *Store) EmailTokens(_ context.Context, purpose auth.TokenPurpose) auth.EmailTokenStore {
	return emailTokens{s: s, purpose: purpose}
}

// hydrate returns a deep copy of u with roles resolved. Caller holds mu.
func (s *Store) hydrate(u *auth.User) *auth.User {
	out := *u
	if u.EmailVerified != nil {
		t := *u.EmailVerified
		out.EmailVerified = &t
	}
	out.Roles = nil
	for _, name := range s.userRoles[u.ID] {
		if r, ok := s.roles[strings.ToUpper(name)]; ok {
			out.Roles = append(out.Roles, cloneRole(r))
		}
	}
	return &out
}

func cloneRole(r auth.Role) auth.Role {
	r.Permissions = append([]auth.Permission(nil), r.Permissions...)
	return r
}

type users struct{ s *Store }

func (u users) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	email = auth.NormalizeEmail(email)
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, usr := range u.s.users {
		if usr.Email == email {
			return u.s.hydrate(usr), nil
		}
	}
	return nil, auth.ErrNotFound
}

func (u users) Find(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return u.s.hydrate(usr), nil
}

func (u users) Create(_ context.Context, usr *auth.User, roleNames ...string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	email := auth.NormalizeEmail(usr.Email)
	for _, existing := range u.s.users {
		if existing.Email == email {
			return auth.ErrConflict
		}
	}
	for _, name := range roleNames {
		if _, ok := u.s.roles[strings.ToUpper(name)]; !ok {
			return auth.ErrNotFound
		}
	}
	now := u.s.now().UTC()
	usr.ID = ids.New()
	usr.Email = email
	usr.CreatedAt = now
	usr.UpdatedAt = now
	stored := *usr
	stored.Roles = nil
	u.s.users[usr.ID] = &stored
	if len(roleNames) > 0 {
		u.s.userRoles[usr.ID] = append([]string(nil), roleNames...)
	}
	return nil
}

func (u users) AssignRole(_ context.Context, userID, roleName string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := u.s.roles[strings.ToUpper(roleName)]; !ok {
		return auth.ErrNotFound
	}
	for _, existing := range u.s.userRoles[userID] {
		if strings.EqualFold(existing, roleName) {
			return nil
		}
	}
	u.s.userRoles[userID] = append(u.s.userRoles[userID], roleName)
	return nil
}

func (u users) MarkEmailVerified(_ context.Context, userID, email string, at time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	usr.Email = auth.NormalizeEmail(email)
	usr.EmailVerified = &at
	usr.UpdatedAt = at
	return nil
}

func (u users) UpdatePassword(_ context.Context, userID, hash string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	usr, ok := u.s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	usr.PasswordHash = hash
	usr.UpdatedAt = u.s.now().UTC()
	return nil
}

type twoFactorTokens struct{ s *Store }

func (t twoFactorTokens) Replace(_ context.Context, tok *auth.TwoFactorToken) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	email := auth.NormalizeEmail(tok.Email)
	if prev, ok := t.s.twoFactor[email]; ok {
		delete(t.s.codeFailures, prev.ID)
	}
	t.s.twoFactor[email] = *tok
	return nil
}

func (t twoFactorTokens) FindByEmail(_ context.Context, email string) (*auth.TwoFactorToken, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.twoFactor[auth.NormalizeEmail(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &tok, nil
}

func (t twoFactorTokens) Consume(_ context.Context, tok *auth.TwoFactorToken) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	email := auth.NormalizeEmail(tok.Email)
	cur, ok := t.s.twoFactor[email]
	if !ok || cur.ID != tok.ID {
		return false, nil
	}
	delete(t.s.twoFactor, email)
	delete(t.s.codeFailures, tok.ID)
	return true, nil
}

func (t twoFactorTokens) RecordFailure(_ context.Context, tok *auth.TwoFactorToken) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cur, ok := t.s.twoFactor[auth.NormalizeEmail(tok.Email)]
	if !ok || cur.ID != tok.ID {
		return 0, nil
	}
	t.s.codeFailures[tok.ID]++
	return t.s.codeFailures[tok.ID], nil
}

type confirmations struct{ s *Store }

func (c confirmations) Replace(_ context.Context, userID string) (*auth.TwoFactorConfirmation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conf := auth.TwoFactorConfirmation{ID: ids.New(), UserID: userID, CreatedAt: c.s.now().UTC()}
	c.s.confirmations[userID] = conf
	return &conf, nil
}

func (c confirmations) FindByUser(_ context.Context, userID string) (*auth.TwoFactorConfirmation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conf, ok := c.s.confirmations[userID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &conf, nil
}

func (c confirmations) Delete(_ context.Context, userID string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.confirmations, userID)
	return nil
}

type emailTokens struct {
	s       *Store
	purpose auth.TokenPurpose
}

func (e emailTokens) bucket() map[string]auth.EmailToken {
	b, ok := e.s.emailTokens[e.purpose]
	if !ok {
		b = make(map[string]auth.EmailToken)
		e.s.emailTokens[e.purpose] = b
	}
	return b
}

func (e emailTokens) Replace(_ context.Context, tok *auth.EmailToken) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.bucket()[auth.NormalizeEmail(tok.Email)] = *tok
	return nil
}

func (e emailTokens) FindByToken(_ context.Context, token string) (*auth.EmailToken, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	for _, tok := range e.bucket() {
		if tok.Token == token {
			out := tok
			return &out, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (e emailTokens) Delete(_ context.Context, id string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	b := e.bucket()
	for email, tok := range b {
		if tok.ID == id {
			delete(b, email)
			return nil
		}
	}
	return auth.ErrNotFound
}
