package checkin

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/turnstile/internal/model"
)

// Domain prefixes for derived identifiers.
// Version suffix enables future algorithm migration.
const (
	DomainFingerprint = "turnstile/fingerprint/v1"
	DomainScanSlot    = "turnstile/scan-slot/v1"
)

// NormalizeTicketCode trims and NFC-normalises a decoded ticket code so the
// same printed code always maps to the same attendee row.
func NormalizeTicketCode(code string) string {
	return norm.NFC.String(strings.TrimSpace(code))
}

// hashWithDomain computes SHA-256 over domain, a 0x00 separator, then each
// part separated by 0x00.
func hashWithDomain(domain string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies the payload an idempotency key was first used for.
// A key resubmitted with a different fingerprint is a client bug, not a retry.
func Fingerprint(ticketCode string, dir model.Direction) string {
	return hashWithDomain(DomainFingerprint, NormalizeTicketCode(ticketCode), string(dir))
}

// ScanSlotKey derives an idempotency key from a scan's key material and the
// time bucket it falls into. Re-scans of the same ticket and direction on the
// same device within one slot collapse to one key; later scans get a new key.
func ScanSlotKey(deviceID, eventID, ticketCode string, dir model.Direction, at time.Time, slot time.Duration) string {
	if slot <= 0 {
		slot = time.Second
	}
	bucket := at.UTC().UnixNano() / int64(slot)
	return hashWithDomain(DomainScanSlot,
		deviceID,
		eventID,
		NormalizeTicketCode(ticketCode),
		string(dir),
		strconv.FormatInt(bucket, 10),
	)[:40]
}
