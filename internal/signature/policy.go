// Package signature signs and verifies OCPP payloads per action.
//
// Signatures travel inside the payload object as a "signatures" array of
// {keyId, signingMethod, value}. The signed bytes are the payload with that
// member removed, re-marshalled with sorted keys, hashed with SHA3-256 under
// a label that binds the action name.
package signature

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/juju/errors"

	"ocppmesh/internal/crypto"
)

// MethodRSAPSS is the only signing method produced and accepted.
const MethodRSAPSS = "RSASSA-PSS-SHA3-256"

const signaturesField = "signatures"

// Wildcard is the action name of a rule covering every action.
const Wildcard = "*"

const (
	ErrUnsigned         = errors.ConstError("payload not signed")
	ErrInvalidSignature = errors.ConstError("no valid signature")
	ErrNoSigner         = errors.ConstError("no signing key configured")
)

// Rule says what the policy does for one action.
type Rule struct {
	Action string
	// Sign makes outgoing requests and replies carry a signature.
	Sign bool
	// Require rejects incoming payloads without a valid signature.
	Require bool
}

// Signature is one entry of the embedded signatures array.
type Signature struct {
	KeyID         string `json:"keyId"`
	SigningMethod string `json:"signingMethod"`
	Value         string `json:"value"`
}

// Verification is the result of checking a payload.
type Verification struct {
	Covered bool
	Signed  bool
	Valid   bool
	// KeyIDs lists the keys whose signatures verified.
	KeyIDs []string
	// Err is set when the payload must be rejected.
	Err error
}

// Signer produces RSA-PSS signatures over SHA3-256 digests.
type Signer interface {
	SignDigest(digest []byte) ([]byte, error)
}

type Options struct {
	KeyID  string
	Signer Signer
	Keys   *KeyStore
	Rules  []Rule
}

// Policy is immutable after construction. A nil *Policy covers nothing.
type Policy struct {
	keyID    string
	signer   Signer
	keys     *KeyStore
	rules    map[string]Rule
	wildcard *Rule
}

func NewPolicy(opts Options) *Policy {
	p := &Policy{
		keyID:  opts.KeyID,
		signer: opts.Signer,
		keys:   opts.Keys,
		rules:  make(map[string]Rule, len(opts.Rules)),
	}
	if p.keys == nil {
		p.keys = NewKeyStore()
	}
	for _, r := range opts.Rules {
		if r.Action == Wildcard {
			r := r
			p.wildcard = &r
			continue
		}
		p.rules[r.Action] = r
	}
	return p
}

// Rule returns the rule covering action; action-specific rules shadow the
// wildcard.
func (p *Policy) Rule(action string) (Rule, bool) {
	if p == nil {
		return Rule{}, false
	}
	if r, ok := p.rules[action]; ok {
		return r, true
	}
	if p.wildcard != nil {
		r := *p.wildcard
		r.Action = action
		return r, true
	}
	return Rule{}, false
}

// Sign embeds this node's signature when the rule for action asks for one
// and returns the payload unchanged otherwise.
func (p *Policy) Sign(_ context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	rule, ok := p.Rule(action)
	if !ok || !rule.Sign {
		return payload, nil
	}
	if p.signer == nil || p.keyID == "" {
		return nil, errors.Annotatef(ErrNoSigner, "signing %s", action)
	}
	fields, existing, err := split(payload)
	if err != nil {
		return nil, errors.Annotatef(err, "signing %s", action)
	}
	digest, err := digestOf(action, fields)
	if err != nil {
		return nil, errors.Annotatef(err, "signing %s", action)
	}
	sig, err := p.signer.SignDigest(digest)
	if err != nil {
		return nil, errors.Annotatef(err, "signing %s", action)
	}
	existing = append(existing, Signature{
		KeyID:         p.keyID,
		SigningMethod: MethodRSAPSS,
		Value:         base64.StdEncoding.EncodeToString(sig),
	})
	raw, err := json.Marshal(existing)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fields[signaturesField] = raw
	out, err := json.Marshal(fields)
	return out, errors.Trace(err)
}

// Verify checks every embedded signature against the key store. Err is
// only set when the rule for action requires a valid signature.
func (p *Policy) Verify(_ context.Context, action string, payload json.RawMessage) Verification {
	rule, covered := p.Rule(action)
	v := Verification{Covered: covered}
	if !covered {
		return v
	}
	fields, sigs, err := split(payload)
	if err != nil {
		if rule.Require {
			v.Err = errors.Annotatef(err, "verifying %s", action)
		}
		return v
	}
	v.Signed = len(sigs) > 0
	if v.Signed {
		digest, err := digestOf(action, fields)
		if err != nil {
			v.Err = errors.Annotatef(err, "verifying %s", action)
			return v
		}
		for _, s := range sigs {
			if s.SigningMethod != MethodRSAPSS {
				continue
			}
			key, ok := p.keys.Lookup(s.KeyID)
			if !ok {
				continue
			}
			sig, err := base64.StdEncoding.DecodeString(s.Value)
			if err != nil {
				continue
			}
			if crypto.VerifyDigestKey(key, digest, sig) {
				v.KeyIDs = append(v.KeyIDs, s.KeyID)
			}
		}
		v.Valid = len(v.KeyIDs) > 0
	}
	if rule.Require {
		switch {
		case !v.Signed:
			v.Err = errors.Annotatef(ErrUnsigned, "%s", action)
		case !v.Valid:
			v.Err = errors.Annotatef(ErrInvalidSignature, "%s", action)
		}
	}
	return v
}

func split(payload json.RawMessage) (map[string]json.RawMessage, []Signature, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, nil, errors.NotValidf("payload (want a JSON object)")
	}
	if fields == nil {
		return nil, nil, errors.NotValidf("null payload")
	}
	var sigs []Signature
	if raw, ok := fields[signaturesField]; ok {
		if err := json.Unmarshal(raw, &sigs); err != nil {
			return nil, nil, errors.NotValidf("signatures member")
		}
		delete(fields, signaturesField)
	}
	return fields, sigs, nil
}

// digestOf hashes the canonical form of fields. encoding/json writes map
// keys sorted and compacts raw members, so equal payloads hash equally
// whatever their original spacing or member order.
func digestOf(action string, fields map[string]json.RawMessage) ([]byte, error) {
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return crypto.Digest("ocppmesh:payload:v1:"+action+":", canonical), nil
}
