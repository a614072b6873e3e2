// Package cursor encodes query resumption state into opaque next_token values.
//
// A token is an HS256-signed JWT. Signing makes it tamper-evident and binds
// it to the caller and query shape that produced it, so a token minted for
// one agent or client cannot be replayed against another.
package cursor

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	dErrors "audittrail/pkg/domain-errors"
	audit "audittrail/pkg/platform/audit"
)

const issuer = "audittrail/cursor"

// DefaultTTL bounds how long a next_token stays usable.
const DefaultTTL = 24 * time.Hour

// Kind names the query shape a cursor resumes.
type Kind string

const (
	KindActor     Kind = "actor"
	KindClient    Kind = "client"
	KindOperation Kind = "operation"
	KindFanout    Kind = "fanout"
)

// Scope identifies the query a cursor belongs to. Decode rejects a token
// whose scope differs from the one the caller is running.
type Scope struct {
	Kind      Kind
	Subject   string
	ClientID  string
	Operation audit.Operation
}

// State is everything needed to resume a query.
type State struct {
	Scope
	// Threshold is the lower time bound fixed by the first page; zero means none.
	Threshold time.Time
	// Position resumes a single-index query.
	Position *audit.Key
	// Partitions holds, per operation partition that still has data, the
	// position to resume after. A nil position means the partition has not
	// yet contributed and restarts from its newest entry.
	Partitions map[audit.Operation]*audit.Key
	// Last is the key of the final entry returned by earlier fan-out pages,
	// or nil when none has been returned yet.
	Last *audit.Key
}

// Codec signs and verifies cursors.
type Codec struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL sets how long issued cursors remain valid.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source for issuing and checking expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *Codec) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New creates a codec signing with key.
func New(key []byte, opts ...Option) *Codec {
	c := &Codec{key: key, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type position struct {
	Timestamp int64  `json:"t"`
	LogID     string `json:"id"`
}

type claims struct {
	Kind       Kind                 `json:"knd"`
	ClientID   string               `json:"cid,omitempty"`
	Operation  string               `json:"op,omitempty"`
	Threshold  int64                `json:"thr,omitempty"`
	Position   *position            `json:"pos,omitempty"`
	Partitions map[string]*position `json:"prt,omitempty"`
	Last       *position            `json:"lst,omitempty"`
	jwt.RegisteredClaims
}

// Encode serializes state into a URL-safe token.
func (c *Codec) Encode(state State) (string, error) {
	now := c.clock()
	cl := claims{
		Kind:      state.Kind,
		ClientID:  state.ClientID,
		Operation: string(state.Operation),
		Position:  fromKey(state.Position),
		Last:      fromKey(state.Last),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   state.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	if !state.Threshold.IsZero() {
		cl.Threshold = state.Threshold.UnixNano()
	}
	if len(state.Partitions) > 0 {
		cl.Partitions = make(map[string]*position, len(state.Partitions))
		for op, pos := range state.Partitions {
			cl.Partitions[string(op)] = fromKey(pos)
		}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode next_token")
	}
	return token, nil
}

// ErrInvalid is returned for every token that cannot resume the caller's query.
var ErrInvalid = dErrors.New(dErrors.CodeInvalidCursor, "Invalid next_token")

// Decode verifies token and checks it was issued for want.
func (c *Codec) Decode(token string, want Scope) (State, error) {
	var cl claims
	parsed, err := jwt.ParseWithClaims(token, &cl, func(t *jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return State{}, dErrors.Wrap(err, dErrors.CodeInvalidCursor, "next_token has expired")
		}
		return State{}, dErrors.Wrap(err, dErrors.CodeInvalidCursor, "Invalid next_token")
	}
	if !parsed.Valid {
		return State{}, ErrInvalid
	}

	state := State{
		Scope: Scope{
			Kind:      cl.Kind,
			Subject:   cl.Subject,
			ClientID:  cl.ClientID,
			Operation: audit.Operation(cl.Operation),
		},
		Position: toKey(cl.Position),
		Last:     toKey(cl.Last),
	}
	if state.Scope != want {
		return State{}, ErrInvalid
	}
	if cl.Threshold != 0 {
		state.Threshold = time.Unix(0, cl.Threshold).UTC()
	}
	if len(cl.Partitions) > 0 {
		state.Partitions = make(map[audit.Operation]*audit.Key, len(cl.Partitions))
		for op, pos := range cl.Partitions {
			if !audit.Operation(op).IsValid() {
				return State{}, ErrInvalid
			}
			state.Partitions[audit.Operation(op)] = toKey(pos)
		}
	}

	if err := state.checkShape(); err != nil {
		return State{}, err
	}
	return state, nil
}

// checkShape rejects tokens whose payload does not fit their kind.
func (s State) checkShape() error {
	switch s.Kind {
	case KindActor, KindClient, KindOperation:
		if s.Position == nil || s.Partitions != nil || s.Last != nil {
			return ErrInvalid
		}
	case KindFanout:
		if len(s.Partitions) == 0 || s.Position != nil {
			return ErrInvalid
		}
	default:
		return ErrInvalid
	}
	return nil
}

func fromKey(k *audit.Key) *position {
	if k == nil {
		return nil
	}
	return &position{Timestamp: k.Timestamp.UnixNano(), LogID: k.LogID}
}

func toKey(p *position) *audit.Key {
	if p == nil {
		return nil
	}
	return &audit.Key{Timestamp: time.Unix(0, p.Timestamp).UTC(), LogID: p.LogID}
}
