package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.Subject = hashString(rec.Subject, salt)
	rec.ClientIP = hashString(rec.ClientIP, salt)
	if i := strings.IndexByte(rec.Path, '?'); i >= 0 {
		rec.Path = rec.Path[:i]
	}
	return rec
}

// HashSubject returns the stored form of a subject, for lookups.
func HashSubject(subject string, salt []byte) string { return hashString(subject, salt) }

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
