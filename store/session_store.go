package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"csvwizard/domain"
)

// SessionStore is the shared state store for wizard upload sessions.
//
// NOTE: staged CSV files live on local disk (TMP_ROOT) or OSS, not here.
// This store only addresses session state consistency across pods and
// restarts.
type SessionStore interface {
	Create(s *domain.UploadSession) error
	Get(id string) (*domain.UploadSession, bool, error)
	Update(id string, fn func(s *domain.UploadSession)) (*domain.UploadSession, bool, error)
	Delete(id string) error
}

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.UploadSession
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]*domain.UploadSession)}
}

func (s *InMemorySessionStore) Create(sess *domain.UploadSession) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("session/id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *InMemorySessionStore) Get(id string) (*domain.UploadSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess == nil {
		return nil, false, nil
	}
	// Return a copy to avoid accidental mutation/data races outside the lock.
	return sess.Clone(), true, nil
}

func (s *InMemorySessionStore) Update(id string, fn func(sess *domain.UploadSession)) (*domain.UploadSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	fn(sess)
	return sess.Clone(), true, nil
}

func (s *InMemorySessionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// sessionRecord is the redis serialization of a session. Fields the API
// hides with json:"-" (staged file paths, fetch tokens) still need to
// survive a pod hop, so the record carries them explicitly.
type sessionRecord struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organizationId"`
	CurrentStep    domain.Step `json:"currentStep"`
	CreatedAt      time.Time   `json:"createdAt"`

	FileName   string `json:"fileName,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	FilePath   string `json:"filePath,omitempty"`
	FileOSSKey string `json:"fileOssKey,omitempty"`
	FileToken  string `json:"fileToken,omitempty"`

	PreviewHeaders   []string            `json:"previewHeaders,omitempty"`
	PreviewTotalRows int                 `json:"previewTotalRows,omitempty"`
	PreviewSample    []map[string]string `json:"previewSample,omitempty"`
	PreviewFileToken string              `json:"previewFileToken,omitempty"`

	Mapping map[string]string `json:"mapping,omitempty"`

	Validation *domain.ValidationResult `json:"validation,omitempty"`
	Task       *domain.UploadTask       `json:"task,omitempty"`
	Outcome    *domain.UploadOutcome    `json:"outcome,omitempty"`
	LastError  string                   `json:"lastError,omitempty"`
}

func recordFromSession(s *domain.UploadSession) sessionRecord {
	if s == nil {
		return sessionRecord{}
	}
	rec := sessionRecord{
		ID:             s.ID,
		OrganizationID: s.OrganizationID,
		CurrentStep:    s.CurrentStep,
		CreatedAt:      s.CreatedAt,
		Mapping:        s.Mapping,
		Validation:     s.Validation,
		Task:           s.Task,
		Outcome:        s.Outcome,
		LastError:      s.LastError,
	}
	if s.File != nil {
		rec.FileName = s.File.Name
		rec.FileSize = s.File.Size
		rec.FilePath = s.File.Path
		rec.FileOSSKey = s.File.OSSKey
		rec.FileToken = s.File.Token
	}
	if s.Preview != nil {
		rec.PreviewHeaders = s.Preview.Headers
		rec.PreviewTotalRows = s.Preview.TotalRows
		rec.PreviewSample = s.Preview.SampleRows
		rec.PreviewFileToken = s.Preview.FileToken
	}
	return rec
}

func sessionFromRecord(r sessionRecord) *domain.UploadSession {
	s := &domain.UploadSession{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		CurrentStep:    r.CurrentStep,
		CreatedAt:      r.CreatedAt,
		Mapping:        r.Mapping,
		Validation:     r.Validation,
		Task:           r.Task,
		Outcome:        r.Outcome,
		LastError:      r.LastError,
	}
	if r.FileName != "" || r.FileToken != "" {
		s.File = &domain.FileRef{
			Name:   r.FileName,
			Size:   r.FileSize,
			Path:   r.FilePath,
			OSSKey: r.FileOSSKey,
			Token:  r.FileToken,
		}
	}
	if len(r.PreviewHeaders) > 0 || r.PreviewFileToken != "" {
		s.Preview = &domain.PreviewData{
			Headers:    r.PreviewHeaders,
			TotalRows:  r.PreviewTotalRows,
			SampleRows: r.PreviewSample,
			FileToken:  r.PreviewFileToken,
		}
	}
	return s
}

type RedisSessionStore struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func readSessionTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv("WIZARD_SESSION_TTL_SECONDS"))
	if raw == "" {
		return 24 * time.Hour
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(n) * time.Second
}

func NewRedisSessionStore(rdb *redis.Client) (*RedisSessionStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := readSessionTTL()
	slog.Info("session store: redis enabled", "ttl", ttl.String())

	return &RedisSessionStore{
		rdb:       rdb,
		keyPrefix: "pw:uploadsession:",
		ttl:       ttl,
	}, nil
}

func (s *RedisSessionStore) key(id string) string {
	return s.keyPrefix + strings.TrimSpace(id)
}

func (s *RedisSessionStore) Create(sess *domain.UploadSession) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("session/id is empty")
	}
	b, err := json.Marshal(recordFromSession(sess))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.SetNX(ctx, s.key(sess.ID), b, s.ttl).Err()
}

func (s *RedisSessionStore) Get(id string) (*domain.UploadSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := s.rdb.Get(ctx, s.key(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, false, err
	}
	return sessionFromRecord(rec), true, nil
}

func (s *RedisSessionStore) Update(id string, fn func(sess *domain.UploadSession)) (*domain.UploadSession, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, nil
	}
	if fn == nil {
		return nil, false, errors.New("update fn is nil")
	}

	key := s.key(id)

	var out *domain.UploadSession
	var ok bool

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	for i := 0; i < 8; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				ok = false
				out = nil
				return nil
			}
			if err != nil {
				return err
			}
			var rec sessionRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				return err
			}
			sess := sessionFromRecord(rec)
			fn(sess)
			out = sess
			ok = true

			nb, err := json.Marshal(recordFromSession(sess))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, nb, s.ttl)
				return nil
			})
			return err
		}, key)

		if err == nil {
			return out, ok, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}

	return nil, false, errors.New("redis update retry exceeded")
}

func (s *RedisSessionStore) Delete(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.rdb.Del(ctx, s.key(id)).Err()
}
