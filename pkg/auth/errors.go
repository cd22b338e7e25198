package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies why an identity token was refused. Callers distinguish
// "we don't trust this issuer" from "this token is bad" by kind.
type Kind string

const (
	KindUntrustedIssuer    Kind = "untrusted_issuer"
	KindMissingTrustSecret Kind = "missing_trust_secret"
	KindMalformed          Kind = "malformed"
	KindBadSignature       Kind = "bad_signature"
	KindExpired            Kind = "expired"
	KindNotActive          Kind = "not_active"
	KindAudience           Kind = "audience"
)

// Error is the single error type returned by token verification. It is never
// retried and only its Kind reaches the caller; the rest is for logs.
type Error struct {
	Kind   Kind
	Issuer string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Issuer != "" {
		msg += " (issuer " + e.Issuer + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can use the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUntrustedIssuer    = &Error{Kind: KindUntrustedIssuer}
	ErrMissingTrustSecret = &Error{Kind: KindMissingTrustSecret}
	ErrMalformed          = &Error{Kind: KindMalformed}
	ErrBadSignature       = &Error{Kind: KindBadSignature}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrNotActive          = &Error{Kind: KindNotActive}
	ErrAudience           = &Error{Kind: KindAudience}
)

// ExpiredError carries what is needed to tell clock skew from secret
// rotation. Fingerprint identifies the trust secret without revealing it.
type ExpiredError struct {
	Now         time.Time
	ExpiresAt   time.Time
	Issuer      string
	Fingerprint string
	Skew        time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("token expired at %s, now %s (behind by %s, skew allowance %s, issuer %s, secret %s)",
		e.ExpiresAt.UTC().Format(time.RFC3339), e.Now.UTC().Format(time.RFC3339),
		e.Now.Sub(e.ExpiresAt).Round(time.Second), e.Skew, e.Issuer, e.Fingerprint)
}

// KindOf extracts the failure kind, or "" for non-auth errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func fail(kind Kind, issuer string, err error) error {
	return &Error{Kind: kind, Issuer: issuer, Err: err}
}
