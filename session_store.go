package tokengate

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tokengate/tokengate/internal"
)

const sessionRecordVersion1 = 1

var (
	errSessionNotFound      = errors.New("verification session not found")
	errSessionExpired       = errors.New("verification session expired")
	errSessionConsumed      = errors.New("verification session already verified")
	errSessionTokenMismatch = errors.New("verification token mismatch")
	errSessionBackend       = errors.New("session backend unavailable")
)

// sessionRecord is the stored shape of one verification session. VerifiedAt
// is zero until the token has been consumed.
type sessionRecord struct {
	PrincipalID string
	Scope       string
	Factor      string
	TokenHash   [32]byte
	CreatedAt   int64
	ExpiresAt   int64
	VerifiedAt  int64
}

func (r *sessionRecord) verified() bool {
	return r.VerifiedAt != 0
}

type sessionStore struct {
	redis  *redis.Client
	prefix string
}

func newSessionStore(redisClient *redis.Client, prefix string) *sessionStore {
	return &sessionStore{redis: redisClient, prefix: prefix}
}

func (s *sessionStore) recordKey(sessionID string) string {
	return s.prefix + ":s:" + sessionID
}

func (s *sessionStore) openKey(principalID, scope string) string {
	return s.prefix + ":open:" + principalID + ":" + scope
}

// Create opens a new session for the principal and scope, atomically
// replacing any session that is still open for the same pair. It reports
// whether an earlier session was displaced.
func (s *sessionStore) Create(
	ctx context.Context,
	record *sessionRecord,
	expiry time.Duration,
) (string, bool, error) {
	const maxRetries = 4

	encoded, err := encodeSessionRecord(record)
	if err != nil {
		return "", false, err
	}

	id, err := internal.NewSessionID()
	if err != nil {
		return "", false, err
	}
	sessionID := id.String()

	openKey := s.openKey(record.PrincipalID, record.Scope)

	for i := 0; i < maxRetries; i++ {
		var replaced bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			previous, err := tx.Get(ctx, openKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			replaced = err == nil && previous != ""

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if replaced {
					pipe.Del(ctx, s.recordKey(previous))
				}
				pipe.Set(ctx, openKey, sessionID, expiry)
				pipe.Set(ctx, s.recordKey(sessionID), encoded, expiry)
				return nil
			})
			return err
		}, openKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", errSessionBackend, err)
		}
		return sessionID, replaced, nil
	}

	return "", false, fmt.Errorf("%w: create contention", errSessionBackend)
}

// FindOpen resolves the open session for a principal and scope. A dangling
// pointer whose record already aged out is cleaned up and reported as not
// found.
func (s *sessionStore) FindOpen(
	ctx context.Context,
	principalID, scope string,
) (string, *sessionRecord, error) {
	openKey := s.openKey(principalID, scope)

	sessionID, err := s.redis.Get(ctx, openKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil, errSessionNotFound
		}
		return "", nil, fmt.Errorf("%w: %v", errSessionBackend, err)
	}

	record, err := s.findByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errSessionNotFound) || errors.Is(err, errSessionExpired) {
			_, _ = s.redis.Del(ctx, openKey).Result()
		}
		return "", nil, err
	}
	return sessionID, record, nil
}

// FindByIDForPrincipal loads a session by identifier and rejects it when it
// does not belong to the given principal. Ownership failures are reported as
// not found so a caller cannot probe for foreign session identifiers.
func (s *sessionStore) FindByIDForPrincipal(
	ctx context.Context,
	sessionID, principalID string,
) (*sessionRecord, error) {
	record, err := s.findByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record.PrincipalID != principalID {
		return nil, errSessionNotFound
	}
	return record, nil
}

func (s *sessionStore) findByID(ctx context.Context, sessionID string) (*sessionRecord, error) {
	data, err := s.redis.Get(ctx, s.recordKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", errSessionBackend, err)
	}

	record, err := decodeSessionRecord(data)
	if err != nil {
		return nil, err
	}
	if !record.verified() && time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.recordKey(sessionID)).Result()
		return nil, errSessionExpired
	}
	return record, nil
}

// MarkVerified consumes the session token. Exactly one caller can win the
// transition; losers observe errSessionConsumed. The verified record is kept
// for the retention window and the open pointer is removed so the principal
// can request a fresh session.
func (s *sessionStore) MarkVerified(
	ctx context.Context,
	sessionID string,
	tokenHash [32]byte,
	retention time.Duration,
) (*sessionRecord, error) {
	const maxRetries = 4
	key := s.recordKey(sessionID)

	for i := 0; i < maxRetries; i++ {
		var winner *sessionRecord
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeSessionRecord(data)
			if err != nil {
				return err
			}
			if record.verified() {
				return errSessionConsumed
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errSessionExpired
			}
			if subtle.ConstantTimeCompare(record.TokenHash[:], tokenHash[:]) != 1 {
				return errSessionTokenMismatch
			}

			record.VerifiedAt = time.Now().Unix()
			record.ExpiresAt = 0
			updated, err := encodeSessionRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, retention)
				pipe.Del(ctx, s.openKey(record.PrincipalID, record.Scope))
				return nil
			})
			if err != nil {
				return err
			}
			winner = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, errSessionNotFound
			}
			if errors.Is(err, errSessionConsumed) ||
				errors.Is(err, errSessionExpired) ||
				errors.Is(err, errSessionTokenMismatch) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", errSessionBackend, err)
		}
		return winner, nil
	}

	return nil, errSessionConsumed
}

// Invalidate removes the open session for a principal and scope, returning
// how many sessions were torn down. The pointer read and the deletes run
// under a WATCH on the open key so a concurrent Create cannot slide a fresh
// session in between and lose its pointer to our delete.
func (s *sessionStore) Invalidate(ctx context.Context, principalID, scope string) (int, error) {
	const maxRetries = 4
	openKey := s.openKey(principalID, scope)

	for i := 0; i < maxRetries; i++ {
		var removed int
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			sessionID, err := tx.Get(ctx, openKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return nil
				}
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.recordKey(sessionID))
				pipe.Del(ctx, openKey)
				return nil
			})
			if err != nil {
				return err
			}
			removed = 1
			return nil
		}, openKey)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", errSessionBackend, err)
		}
		return removed, nil
	}

	return 0, fmt.Errorf("%w: invalidate contention", errSessionBackend)
}

func encodeSessionRecord(record *sessionRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(sessionRecordVersion1)

	buf.Write(record.TokenHash[:])
	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.VerifiedAt); err != nil {
		return nil, err
	}

	for _, field := range []string{record.PrincipalID, record.Scope, record.Factor} {
		if len(field) > 65535 {
			return nil, errors.New("session field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeSessionRecord(data []byte) (*sessionRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionRecordVersion1 {
		return nil, errors.New("invalid session record version")
	}

	record := &sessionRecord{}
	if _, err := io.ReadFull(reader, record.TokenHash[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.VerifiedAt); err != nil {
		return nil, err
	}

	for _, target := range []*string{&record.PrincipalID, &record.Scope, &record.Factor} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		field := make([]byte, length)
		if _, err := io.ReadFull(reader, field); err != nil {
			return nil, err
		}
		*target = string(field)
	}

	return record, nil
}
