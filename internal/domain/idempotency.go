package domain

import (
	"errors"
	"strings"
	"time"
)

// IdempotencyStatus - состояние обработки запроса под Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed - ответ 5xx; тот же запрос можно повторить с тем же ключом.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

const (
	// DefaultIdempotencyTTL применяется, когда вызывающий не задал срок жизни ключа.
	DefaultIdempotencyTTL = 24 * time.Hour
	// IdempotencyProcessingLease - сколько запись может оставаться в processing,
	// прежде чем повтор того же запроса заберёт ключ себе (процесс мог упасть посреди обработки).
	IdempotencyProcessingLease = 2 * time.Minute
)

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists возвращается вместе с текущей записью ключа.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch     = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound      = errors.New("idempotency key not found")
)

// IdempotencyRecord - сохранённый результат запроса.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Expired: запись мертва начиная с TTLAt включительно; нулевой TTLAt не истекает.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && !now.Before(r.TTLAt)
}

// Reclaimable сообщает, может ли запрос с requestHash занять ключ заново.
// Чужой запрос (другой хеш) забирает ключ только после истечения TTL.
func (r IdempotencyRecord) Reclaimable(requestHash string, now time.Time) bool {
	if r.Expired(now) {
		return true
	}
	if r.RequestHash != requestHash {
		return false
	}
	switch r.Status {
	case IdempotencyStatusFailed:
		return true
	case IdempotencyStatusProcessing:
		return now.Sub(r.UpdatedAt) >= IdempotencyProcessingLease
	default:
		return false
	}
}

// Conflict классифицирует отказ в захвате ключа.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// NewProcessingRecord проверяет аргументы CreateProcessing и строит новую запись.
// Нулевой ttlAt заменяется на now+DefaultIdempotencyTTL.
func NewProcessingRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	case requestHash == "":
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
