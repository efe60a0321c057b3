// Package wizard drives the five-step CSV upload flow: select file,
// preview, map columns, validate, upload. All session mutations go through
// named operations on the Controller so the state machine is testable
// without any rendering layer.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"csvwizard/domain"
	"csvwizard/filestore"
	"csvwizard/mapping"
	"csvwizard/procapi"
	"csvwizard/redislock"
	"csvwizard/store"
	"csvwizard/upload"
)

// maxUploadBytes caps the selected file at 50 MB, checked before anything
// touches the network.
const maxUploadBytes = 50 << 20

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionBusy      = errors.New("session is busy; another operation is in flight")
	ErrFileRequired     = errors.New("select a file before continuing")
	ErrNotACSV          = errors.New("only .csv files are supported")
	ErrFileTooLarge     = errors.New("file exceeds the 50 MB limit")
	ErrBadStep          = errors.New("invalid step transition")
	ErrCommitBlocked    = errors.New("commit requires a validation with at least one valid row")
	ErrTemplateNotFound = errors.New("template not found")
	ErrUnknownField     = errors.New("unknown target field")
)

// Backend is the full procurement API surface the wizard consumes.
type Backend interface {
	Preview(ctx context.Context, orgID, fileName string, file io.Reader) (*domain.PreviewData, error)
	ListTemplates(ctx context.Context, orgID string) ([]domain.MappingTemplate, error)
	SaveTemplate(ctx context.Context, orgID, name string, m map[string]string) error
	Validate(ctx context.Context, orgID string, m map[string]string, fileName string, file io.Reader) (*domain.ValidationResult, error)
	Commit(ctx context.Context, orgID string, m map[string]string, skipInvalid bool, fileName string, file io.Reader) (*procapi.CommitResponse, error)
	PollTask(ctx context.Context, taskID string) (*procapi.TaskProgress, error)
}

type Controller struct {
	sessions store.SessionStore
	api      Backend
	files    *filestore.Store
	coord    *upload.Coordinator
	lock     *redislock.Client // nil outside multi-pod deployments

	mu      sync.Mutex
	local   map[string]*sync.Mutex
	handles map[string]*upload.Handle
}

func NewController(sessions store.SessionStore, api Backend, files *filestore.Store, coord *upload.Coordinator, lock *redislock.Client) *Controller {
	return &Controller{
		sessions: sessions,
		api:      api,
		files:    files,
		coord:    coord,
		lock:     lock,
		local:    make(map[string]*sync.Mutex),
		handles:  make(map[string]*upload.Handle),
	}
}

// CreateSession starts an empty wizard session at step 1.
func (c *Controller) CreateSession(orgID string) (*domain.UploadSession, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, errors.New("organization_id is required")
	}
	sess := &domain.UploadSession{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		CurrentStep:    domain.StepSelectFile,
		CreatedAt:      time.Now(),
	}
	if err := c.sessions.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Controller) GetSession(id string) (*domain.UploadSession, error) {
	sess, ok, err := c.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// SelectFile stages the chosen CSV and clears everything downstream of it:
// a new file invalidates preview, mapping, validation and any previous
// outcome. Extension and size are rejected before anything is staged.
func (c *Controller) SelectFile(ctx context.Context, id, fileName string, declaredSize int64, r io.Reader) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !strings.EqualFold(filepath.Ext(fileName), ".csv") {
		return nil, ErrNotACSV
	}
	if declaredSize > maxUploadBytes {
		return nil, ErrFileTooLarge
	}
	if _, err := c.GetSession(id); err != nil {
		return nil, err
	}

	ref, err := c.files.SaveCSV(id, uuid.NewString(), fileName, io.LimitReader(r, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if ref.Size > maxUploadBytes {
		c.files.RemoveSession(id, ref)
		return nil, ErrFileTooLarge
	}

	sess, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.File = ref
		s.Preview = nil
		s.Mapping = nil
		s.Validation = nil
		s.Task = nil
		s.Outcome = nil
		s.LastError = ""
		s.CurrentStep = domain.StepSelectFile
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// RemoveFile clears the selected file and everything derived from it.
func (c *Controller) RemoveFile(ctx context.Context, id string) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	c.files.RemoveSession(id, cur.File)

	sess, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.File = nil
		s.Preview = nil
		s.Mapping = nil
		s.Validation = nil
		s.Task = nil
		s.Outcome = nil
		s.LastError = ""
		s.CurrentStep = domain.StepSelectFile
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// GoToStep runs the transition table. Backward navigation is unguarded;
// forward navigation goes one step at a time and runs the target step's
// entry side effect before the step becomes current, so a failed fetch
// leaves the session where it was (with the error recorded). Step 5 is
// never reachable by navigation; only Commit enters it.
func (c *Controller) GoToStep(ctx context.Context, id string, target domain.Step) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	if !target.Valid() || target == domain.StepUpload {
		return nil, ErrBadStep
	}

	if target <= sess.CurrentStep {
		return c.setStep(id, target)
	}
	if target != sess.CurrentStep+1 {
		return nil, ErrBadStep
	}

	switch target {
	case domain.StepPreview:
		return c.enterPreview(ctx, id, sess)
	case domain.StepMapColumns:
		// Pure projection step: the mapping controls render from current
		// state on every entry, nothing to fetch.
		return c.setStep(id, domain.StepMapColumns)
	case domain.StepValidate:
		return c.enterValidate(ctx, id, sess)
	default:
		return nil, ErrBadStep
	}
}

// enterPreview guards 1 -> 2 on a selected file, fetches the preview at
// most once per file, and reseeds the mapping from auto-detection whenever
// a fresh preview arrives.
func (c *Controller) enterPreview(ctx context.Context, id string, sess *domain.UploadSession) (*domain.UploadSession, error) {
	if sess.File == nil {
		return nil, ErrFileRequired
	}
	if sess.Preview != nil && sess.Preview.FileToken == sess.File.Token {
		return c.setStep(id, domain.StepPreview)
	}

	f, err := c.files.Open(sess.File)
	if err != nil {
		return nil, c.recordError(id, err)
	}
	preview, err := c.api.Preview(ctx, sess.OrganizationID, sess.File.Name, f)
	_ = f.Close()
	if err != nil {
		return nil, c.recordError(id, fmt.Errorf("preview failed: %w", err))
	}
	preview.FileToken = sess.File.Token
	detected := mapping.AutoDetect(preview.Headers)

	out, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.Preview = preview
		// Auto-detection overwrites any prior mapping by design of the flow:
		// a new preview means a new file.
		s.Mapping = detected
		s.Validation = nil
		s.LastError = ""
		s.CurrentStep = domain.StepPreview
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

// enterValidate re-runs validation against the current file and mapping on
// every entry; results are never reused across entries because the mapping
// may have changed.
func (c *Controller) enterValidate(ctx context.Context, id string, sess *domain.UploadSession) (*domain.UploadSession, error) {
	if sess.File == nil {
		return nil, ErrFileRequired
	}
	f, err := c.files.Open(sess.File)
	if err != nil {
		return nil, c.recordError(id, err)
	}
	result, err := c.api.Validate(ctx, sess.OrganizationID, sess.Mapping, sess.File.Name, f)
	_ = f.Close()
	if err != nil {
		return nil, c.recordError(id, fmt.Errorf("validation failed: %w", err))
	}

	out, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.Validation = result
		s.LastError = ""
		s.CurrentStep = domain.StepValidate
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

// SetMappingEntry assigns sourceColumn to targetField (empty column unmaps
// the field) and marks any existing validation stale.
func (c *Controller) SetMappingEntry(ctx context.Context, id, targetField, sourceColumn string) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, ok := mapping.FieldByKey(targetField); !ok {
		return nil, ErrUnknownField
	}
	sess, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sourceColumn != "" && sess.Preview != nil && !containsHeader(sess.Preview.Headers, sourceColumn) {
		return nil, fmt.Errorf("column %q is not in the uploaded file", sourceColumn)
	}

	out, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.Mapping = mapping.ApplyManual(s.Mapping, targetField, sourceColumn)
		if s.Validation != nil {
			s.Validation.Stale = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

// ListTemplates returns the organization's templates; failures degrade to
// an empty list because templates are a convenience, not a dependency.
func (c *Controller) ListTemplates(ctx context.Context, orgID string) []domain.MappingTemplate {
	tpls, err := c.api.ListTemplates(ctx, orgID)
	if err != nil {
		slog.Warn("template list failed; degrading to empty", "err", err)
		return nil
	}
	return tpls
}

// SaveTemplate persists the session's current mapping under the given name.
func (c *Controller) SaveTemplate(ctx context.Context, id, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("template name is required")
	}
	sess, err := c.GetSession(id)
	if err != nil {
		return err
	}
	return c.api.SaveTemplate(ctx, sess.OrganizationID, name, sess.Mapping)
}

// ApplyTemplate overwrites the session mapping with the named template's
// mapping. Full overwrite, never a merge.
func (c *Controller) ApplyTemplate(ctx context.Context, id, name string) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	tpls, err := c.api.ListTemplates(ctx, sess.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	var found *domain.MappingTemplate
	for i := range tpls {
		if tpls[i].Name == name {
			found = &tpls[i]
			break
		}
	}
	if found == nil {
		return nil, ErrTemplateNotFound
	}

	applied := make(map[string]string, len(found.Mapping))
	for k, v := range found.Mapping {
		applied[k] = v
	}
	out, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.Mapping = applied
		if s.Validation != nil {
			s.Validation.Stale = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

// Commit enters step 5. It is only accepted from step 4 with a fresh
// validation carrying at least one valid row, and it hands the rest of the
// attempt to the upload coordinator.
func (c *Controller) Commit(ctx context.Context, id string, skipInvalid bool) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.CurrentStep != domain.StepValidate {
		return nil, ErrBadStep
	}
	if !sess.CommitAllowed() {
		return nil, ErrCommitBlocked
	}
	if sess.File == nil {
		return nil, ErrFileRequired
	}

	f, err := c.files.Open(sess.File)
	if err != nil {
		return nil, c.recordError(id, err)
	}
	defer f.Close()

	if _, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.CurrentStep = domain.StepUpload
		s.Task = nil
		s.Outcome = nil
		s.LastError = ""
	}); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrSessionNotFound
	}

	h := c.coord.Submit(ctx, upload.SubmitRequest{
		OrganizationID: sess.OrganizationID,
		Mapping:        sess.Mapping,
		SkipInvalid:    skipInvalid,
		FileName:       sess.File.Name,
		File:           f,
	}, upload.Callbacks{
		OnAsyncStarted: func(task domain.UploadTask) {
			_, _, _ = c.sessions.Update(id, func(s *domain.UploadSession) {
				s.Task = &task
			})
		},
		OnProgress: func(task domain.UploadTask) {
			_, _, _ = c.sessions.Update(id, func(s *domain.UploadSession) {
				s.Task = &task
			})
		},
		OnOutcome: func(outcome domain.UploadOutcome) {
			_, _, _ = c.sessions.Update(id, func(s *domain.UploadSession) {
				s.Outcome = &outcome
				s.Task = nil
			})
			c.dropHandle(id)
		},
	})
	select {
	case <-h.Done():
		// Synchronous completion: the outcome is already on the session.
	default:
		c.trackHandle(id, h)
	}

	out, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset returns the session to an empty step 1. Any in-flight polling is
// cancelled synchronously before state is cleared, so no orphaned ticker
// keeps mutating a dead session.
func (c *Controller) Reset(ctx context.Context, id string) (*domain.UploadSession, error) {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if h := c.takeHandle(id); h != nil {
		h.Cancel()
		// Wait for the polling goroutine to exit so a late progress write
		// can't land on the cleared session.
		<-h.Done()
	}

	cur, err := c.GetSession(id)
	if err != nil {
		return nil, err
	}
	c.files.RemoveSession(id, cur.File)

	out, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.File = nil
		s.Preview = nil
		s.Mapping = nil
		s.Validation = nil
		s.Task = nil
		s.Outcome = nil
		s.LastError = ""
		s.CurrentStep = domain.StepSelectFile
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

// DestroySession removes the session entirely (explicit teardown after a
// completed upload is acknowledged).
func (c *Controller) DestroySession(ctx context.Context, id string) error {
	unlock, err := c.lockSession(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if h := c.takeHandle(id); h != nil {
		h.Cancel()
		<-h.Done()
	}
	if cur, err := c.GetSession(id); err == nil {
		c.files.RemoveSession(id, cur.File)
	}
	return c.sessions.Delete(id)
}

func (c *Controller) setStep(id string, step domain.Step) (*domain.UploadSession, error) {
	out, ok, err := c.sessions.Update(id, func(s *domain.UploadSession) {
		s.CurrentStep = step
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	return out, nil
}

// recordError stores the failure on the session so the step panel can
// render it, then returns it unchanged.
func (c *Controller) recordError(id string, err error) error {
	_, _, _ = c.sessions.Update(id, func(s *domain.UploadSession) {
		s.LastError = err.Error()
	})
	return err
}

func (c *Controller) trackHandle(id string, h *upload.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[id] = h
}

func (c *Controller) takeHandle(id string) *upload.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.handles[id]
	delete(c.handles, id)
	return h
}

func (c *Controller) dropHandle(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, id)
}

// lockSession serializes mutations of one session: a per-process mutex
// always, plus the redis lock when configured so pods don't interleave
// read-modify-write cycles. This is what makes re-entrant UI actions (e.g.
// double-triggering a step fetch) safe.
func (c *Controller) lockSession(ctx context.Context, id string) (func(), error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSessionNotFound
	}

	c.mu.Lock()
	lm := c.local[id]
	if lm == nil {
		lm = &sync.Mutex{}
		c.local[id] = lm
	}
	c.mu.Unlock()
	lm.Lock()

	if c.lock == nil {
		return lm.Unlock, nil
	}

	token, err := redislock.Token()
	if err != nil {
		lm.Unlock()
		return nil, err
	}
	key := c.lock.Key(id)
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := c.lock.Acquire(ctx, key, token, 30*time.Second)
		if err != nil {
			lm.Unlock()
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			lm.Unlock()
			return nil, ErrSessionBusy
		}
		select {
		case <-ctx.Done():
			lm.Unlock()
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return func() {
		_, _ = c.lock.Release(context.Background(), key, token)
		lm.Unlock()
	}, nil
}

func containsHeader(headers []string, h string) bool {
	for _, x := range headers {
		if x == h {
			return true
		}
	}
	return false
}
