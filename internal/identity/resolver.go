// Package identity resolves the current actor and bearer credential from
// persisted session storage. Historically the front-ends looked these up
// under several inconsistent names (authToken, fixmate_auth_token,
// userToken, user, fixmate_user) scattered per view; the resolver
// centralizes the lookup into one explicit, ordered fallback chain.
package identity

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/fixmate/fixsync/internal/record"
	"github.com/fixmate/fixsync/internal/session"
	"github.com/golang-jwt/jwt/v5"
)

// ErrIdentityUnavailable means no candidate source yielded a usable
// identity. The caller treats this as unauthenticated: it is fatal to the
// sync loop but not to the process.
var ErrIdentityUnavailable = errors.New("identity unavailable: no usable session credentials")

// Credentials is a resolved session identity.
type Credentials struct {
	Token string
	Actor record.Actor
}

// Source is one candidate storage location, tried in order. A load error
// or unparseable blob moves resolution to the next candidate.
type Source interface {
	Name() string
	Load() ([]byte, error)
}

// FileSource reads a JSON credentials blob from disk.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string          { return s.Path }
func (s FileSource) Load() ([]byte, error) { return os.ReadFile(s.Path) }

// EnvSource reads a bare bearer token from an environment variable.
type EnvSource struct {
	Var string
}

func (s EnvSource) Name() string { return "$" + s.Var }

func (s EnvSource) Load() ([]byte, error) {
	v := os.Getenv(s.Var)
	if v == "" {
		return nil, os.ErrNotExist
	}
	// Wrap as a minimal blob so all sources parse the same way.
	return json.Marshal(map[string]string{"token": v})
}

// Resolver tries each source in precedence order. It holds no cache:
// resolution is storage-backed and cheap, and is re-run on every call so a
// re-login is picked up without restarting.
type Resolver struct {
	sources []Source
}

// NewResolver creates a resolver over an explicit source chain.
func NewResolver(sources ...Source) *Resolver {
	return &Resolver{sources: sources}
}

// ForSession returns the default source chain for a named session:
// FIXSYNC_TOKEN, then credentials.json, then the legacy auth.json.
func ForSession(name string) *Resolver {
	return NewResolver(
		EnvSource{Var: "FIXSYNC_TOKEN"},
		FileSource{Path: session.CredentialsPath(name)},
		FileSource{Path: session.LegacyCredentialsPath(name)},
	)
}

// Resolve returns the first successfully parsed identity, or
// ErrIdentityUnavailable if every candidate fails. Missing files, malformed
// JSON and absent fields never panic or abort the chain.
func (r *Resolver) Resolve() (*Credentials, error) {
	for _, src := range r.sources {
		blob, err := src.Load()
		if err != nil {
			continue
		}
		if creds := parseBlob(blob); creds != nil {
			return creds, nil
		}
	}
	return nil, ErrIdentityUnavailable
}

// credentialsBlob covers the field-name variants found in stored sessions.
type credentialsBlob struct {
	Token            string          `json:"token"`
	AuthToken        string          `json:"authToken"`
	FixmateAuthToken string          `json:"fixmate_auth_token"`
	UserToken        string          `json:"userToken"`
	User             json.RawMessage `json:"user"`
	FixmateUser      json.RawMessage `json:"fixmate_user"`
}

type userBlob struct {
	MongoID string `json:"_id"`
	ID      string `json:"id"`
	Role    string `json:"role"`
}

func parseBlob(blob []byte) *Credentials {
	var b credentialsBlob
	if err := json.Unmarshal(blob, &b); err != nil {
		return nil
	}

	token := firstNonEmpty(b.Token, b.AuthToken, b.FixmateAuthToken, b.UserToken)
	actor := parseUser(b.User)
	if actor == nil {
		actor = parseUser(b.FixmateUser)
	}
	if actor == nil && token != "" {
		actor = actorFromToken(token)
	}
	if actor == nil || actor.ID == "" {
		return nil
	}
	return &Credentials{Token: token, Actor: *actor}
}

func parseUser(raw json.RawMessage) *record.Actor {
	if len(raw) == 0 {
		return nil
	}
	var u userBlob
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil
	}
	id := firstNonEmpty(u.MongoID, u.ID)
	if id == "" {
		return nil
	}
	return &record.Actor{ID: id, Role: record.Role(u.Role)}
}

// actorFromToken extracts the actor from JWT claims without verifying the
// signature. Verification is the backend's job; the client only needs the
// identity for ownership classification.
func actorFromToken(token string) *record.Actor {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	id := firstNonEmpty(
		stringClaim(claims, "_id"),
		stringClaim(claims, "id"),
		stringClaim(claims, "userId"),
		stringClaim(claims, "sub"),
	)
	if id == "" {
		return nil
	}
	return &record.Actor{ID: id, Role: record.Role(stringClaim(claims, "role"))}
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
