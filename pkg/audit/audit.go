// Package audit records security-relevant gateway decisions: rejected
// identity exchanges, gate denials and proxied mutations. Subjects and client
// addresses are stored as salted hashes.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type Kind string

const (
	AuthFailure   Kind = "auth_failure"
	GateDenial    Kind = "gate_denial"
	ProxyMutation Kind = "proxy_mutation"
)

type Record struct {
	ID         string
	Kind       Kind
	Subject    string
	Tier       string
	Issuer     string
	Gate       string
	Method     string
	Path       string
	Status     int
	Dependency string
	Reason     string
	ClientIP   string
	CreatedAt  time.Time
}

// Sink accepts audit records.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Nop discards records. Used when no database is configured.
type Nop struct{}

func (Nop) Append(context.Context, Record) error { return nil }

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec = redactRecord(rec, w.HashSalt)
	_, err := w.DB.Exec(ctx, `
		INSERT INTO access_audit
		(id, kind, subject_hash, tier, issuer, gate, method, path, status, dependency, reason, client_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, string(rec.Kind), rec.Subject, rec.Tier, rec.Issuer, rec.Gate, rec.Method, rec.Path, rec.Status, rec.Dependency, rec.Reason, rec.ClientIP, rec.CreatedAt)
	return err
}

// Get reads one stored record. Subject and ClientIP hold hashes.
func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	var kind string
	row := w.DB.QueryRow(ctx, `
		SELECT id, kind, subject_hash, tier, issuer, gate, method, path, status, dependency, reason, client_hash, created_at
		FROM access_audit WHERE id=$1
	`, id)
	if err := row.Scan(&rec.ID, &kind, &rec.Subject, &rec.Tier, &rec.Issuer, &rec.Gate, &rec.Method, &rec.Path, &rec.Status, &rec.Dependency, &rec.Reason, &rec.ClientIP, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	return rec, nil
}

// Emit appends rec without letting a slow or failing store affect the
// request that produced it.
func Emit(ctx context.Context, sink Sink, rec Record, log *zap.Logger) {
	if sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := sink.Append(ctx, rec); err != nil && log != nil {
		log.Warn("audit append failed", zap.String("kind", string(rec.Kind)), zap.Error(err))
	}
}
