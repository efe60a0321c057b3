package wizard

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csvwizard/domain"
	"csvwizard/filestore"
	"csvwizard/procapi"
	"csvwizard/store"
	"csvwizard/upload"
)

const sampleCSV = "Vendor Name,Category,Total,Invoice Date\nAcme,Hardware,10.50,2026-01-02\n"

type fakeAPI struct {
	mu            sync.Mutex
	previewCalls  int
	validateCalls int

	headers    []string
	validation domain.ValidationResult

	templates    []domain.MappingTemplate
	templatesErr error
	savedNames   []string

	commitResp *procapi.CommitResponse
	commitErr  error
	pollResp   *procapi.TaskProgress
}

func (f *fakeAPI) Preview(ctx context.Context, orgID, fileName string, file io.Reader) (*domain.PreviewData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previewCalls++
	_, _ = io.Copy(io.Discard, file)
	return &domain.PreviewData{
		Headers:    append([]string(nil), f.headers...),
		TotalRows:  1,
		SampleRows: []map[string]string{{"Vendor Name": "Acme"}},
	}, nil
}

func (f *fakeAPI) ListTemplates(ctx context.Context, orgID string) ([]domain.MappingTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.templatesErr != nil {
		return nil, f.templatesErr
	}
	return append([]domain.MappingTemplate(nil), f.templates...), nil
}

func (f *fakeAPI) SaveTemplate(ctx context.Context, orgID, name string, m map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedNames = append(f.savedNames, name)
	return nil
}

func (f *fakeAPI) Validate(ctx context.Context, orgID string, m map[string]string, fileName string, file io.Reader) (*domain.ValidationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	_, _ = io.Copy(io.Discard, file)
	v := f.validation
	v.Errors = append([]domain.RowError(nil), f.validation.Errors...)
	return &v, nil
}

func (f *fakeAPI) Commit(ctx context.Context, orgID string, m map[string]string, skipInvalid bool, fileName string, file io.Reader) (*procapi.CommitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, _ = io.Copy(io.Discard, file)
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	return f.commitResp, nil
}

func (f *fakeAPI) PollTask(ctx context.Context, taskID string) (*procapi.TaskProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollResp, nil
}

func (f *fakeAPI) counts() (previews, validates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.previewCalls, f.validateCalls
}

func newTestAPI() *fakeAPI {
	return &fakeAPI{
		headers:    []string{"Vendor Name", "Category", "Total", "Invoice Date"},
		validation: domain.ValidationResult{ValidCount: 1},
		commitResp: &procapi.CommitResponse{
			Async:          false,
			Status:         domain.TaskStatusCompleted,
			SuccessfulRows: 1,
		},
	}
}

func newTestController(t *testing.T, api *fakeAPI) *Controller {
	t.Helper()
	t.Setenv("OSS_BUCKET", "")
	files, err := filestore.NewFromEnv(t.TempDir())
	require.NoError(t, err)
	coord := upload.NewCoordinator(api, 10*time.Millisecond)
	return NewController(store.NewInMemorySessionStore(), api, files, coord, nil)
}

func stageFile(t *testing.T, ctrl *Controller, id string) *domain.UploadSession {
	t.Helper()
	sess, err := ctrl.SelectFile(context.Background(), id, "spend.csv", int64(len(sampleCSV)), strings.NewReader(sampleCSV))
	require.NoError(t, err)
	return sess
}

func advanceTo(t *testing.T, ctrl *Controller, id string, target domain.Step) *domain.UploadSession {
	t.Helper()
	var sess *domain.UploadSession
	var err error
	for s := domain.StepPreview; s <= target; s++ {
		sess, err = ctrl.GoToStep(context.Background(), id, s)
		require.NoError(t, err, "advance to step %d", s)
	}
	return sess
}

func TestHappyPathThroughCommit(t *testing.T) {
	api := newTestAPI()
	ctrl := newTestController(t, api)

	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	assert.Equal(t, domain.StepSelectFile, sess.CurrentStep)

	sess = stageFile(t, ctrl, sess.ID)
	assert.Equal(t, "spend.csv", sess.File.Name)
	assert.Equal(t, int64(len(sampleCSV)), sess.File.Size)

	sess = advanceTo(t, ctrl, sess.ID, domain.StepValidate)
	require.NotNil(t, sess.Preview)
	assert.Equal(t, api.headers, sess.Preview.Headers)
	assert.Equal(t, map[string]string{
		"Vendor Name":  "supplier",
		"Category":     "category",
		"Total":        "amount",
		"Invoice Date": "date",
	}, sess.Mapping)
	require.NotNil(t, sess.Validation)
	assert.Equal(t, 1, sess.Validation.ValidCount)

	sess, err = ctrl.Commit(context.Background(), sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StepUpload, sess.CurrentStep)
	require.NotNil(t, sess.Outcome, "synchronous commit resolves before Commit returns")
	assert.Equal(t, domain.OutcomeCompleted, sess.Outcome.Kind)
	assert.Equal(t, 1, sess.Outcome.SuccessfulRows)
}

func TestSelectFileRejectsBadInputs(t *testing.T) {
	ctrl := newTestController(t, newTestAPI())
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)

	_, err = ctrl.SelectFile(context.Background(), sess.ID, "spend.xlsx", 10, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrNotACSV)

	_, err = ctrl.SelectFile(context.Background(), sess.ID, "spend.csv", maxUploadBytes+1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	// Rejections must not touch the session.
	got, err := ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.File)
}

func TestStepGuards(t *testing.T) {
	ctrl := newTestController(t, newTestAPI())
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)

	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepPreview)
	assert.ErrorIs(t, err, ErrFileRequired)

	stageFile(t, ctrl, sess.ID)

	// No skipping ahead, and step 5 is commit-only.
	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepMapColumns)
	assert.ErrorIs(t, err, ErrBadStep)
	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepUpload)
	assert.ErrorIs(t, err, ErrBadStep)
	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.Step(9))
	assert.ErrorIs(t, err, ErrBadStep)
}

func TestPreviewFetchedOncePerFile(t *testing.T) {
	api := newTestAPI()
	ctrl := newTestController(t, api)
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)

	advanceTo(t, ctrl, sess.ID, domain.StepPreview)

	// A manual edit must survive back-and-forth navigation.
	_, err = ctrl.SetMappingEntry(context.Background(), sess.ID, "description", "Category")
	require.NoError(t, err)

	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepSelectFile)
	require.NoError(t, err)
	got, err := ctrl.GoToStep(context.Background(), sess.ID, domain.StepPreview)
	require.NoError(t, err)

	previews, _ := api.counts()
	assert.Equal(t, 1, previews, "preview is one-shot per selected file")
	assert.Equal(t, "description", got.Mapping["Category"])

	// A new file invalidates the preview and reruns auto-detection.
	stageFile(t, ctrl, sess.ID)
	got, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepPreview)
	require.NoError(t, err)
	previews, _ = api.counts()
	assert.Equal(t, 2, previews)
	assert.Equal(t, "category", got.Mapping["Category"], "auto-detect overwrote the manual edit")
}

func TestValidationRerunsOnEachEntry(t *testing.T) {
	api := newTestAPI()
	ctrl := newTestController(t, api)
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepValidate)

	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepMapColumns)
	require.NoError(t, err)
	_, err = ctrl.GoToStep(context.Background(), sess.ID, domain.StepValidate)
	require.NoError(t, err)

	_, validates := api.counts()
	assert.Equal(t, 2, validates)
}

func TestMappingEditMarksValidationStaleAndBlocksCommit(t *testing.T) {
	api := newTestAPI()
	ctrl := newTestController(t, api)
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepValidate)

	got, err := ctrl.SetMappingEntry(context.Background(), sess.ID, "amount", "Invoice Date")
	require.NoError(t, err)
	require.NotNil(t, got.Validation)
	assert.True(t, got.Validation.Stale)

	_, err = ctrl.Commit(context.Background(), sess.ID, false)
	assert.ErrorIs(t, err, ErrCommitBlocked)
}

func TestCommitBlockedWithZeroValidRows(t *testing.T) {
	api := newTestAPI()
	api.validation = domain.ValidationResult{ValidCount: 0, ErrorCount: 5}
	ctrl := newTestController(t, api)
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepValidate)

	_, err = ctrl.Commit(context.Background(), sess.ID, false)
	assert.ErrorIs(t, err, ErrCommitBlocked)
}

func TestSetMappingEntryValidatesInputs(t *testing.T) {
	ctrl := newTestController(t, newTestAPI())
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepPreview)

	_, err = ctrl.SetMappingEntry(context.Background(), sess.ID, "nonsense", "Total")
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = ctrl.SetMappingEntry(context.Background(), sess.ID, "amount", "No Such Column")
	assert.Error(t, err)

	// Empty column unmaps.
	got, err := ctrl.SetMappingEntry(context.Background(), sess.ID, "amount", "")
	require.NoError(t, err)
	for _, field := range got.Mapping {
		assert.NotEqual(t, "amount", field)
	}
}

func TestTemplatesApplyByValue(t *testing.T) {
	api := newTestAPI()
	api.templates = []domain.MappingTemplate{
		{Name: "quarterly", Mapping: map[string]string{"Vendor Name": "supplier", "Total": "amount"}},
	}
	ctrl := newTestController(t, api)
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepPreview)

	got, err := ctrl.ApplyTemplate(context.Background(), sess.ID, "quarterly")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Vendor Name": "supplier", "Total": "amount"}, got.Mapping)

	// Mutating the session copy must not leak back into the template.
	_, err = ctrl.SetMappingEntry(context.Background(), sess.ID, "date", "Invoice Date")
	require.NoError(t, err)
	assert.Len(t, api.templates[0].Mapping, 2)

	_, err = ctrl.ApplyTemplate(context.Background(), sess.ID, "no-such-template")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestTemplateListFailureIsNonFatal(t *testing.T) {
	api := newTestAPI()
	api.templatesErr = errors.New("templates endpoint down")
	ctrl := newTestController(t, api)

	got := ctrl.ListTemplates(context.Background(), "org-7")
	assert.Empty(t, got)
}

func TestSaveTemplateRequiresName(t *testing.T) {
	api := newTestAPI()
	ctrl := newTestController(t, api)
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)

	assert.Error(t, ctrl.SaveTemplate(context.Background(), sess.ID, "   "))
	require.NoError(t, ctrl.SaveTemplate(context.Background(), sess.ID, "monthly"))
	assert.Equal(t, []string{"monthly"}, api.savedNames)
}

func TestResetCancelsInFlightUpload(t *testing.T) {
	api := newTestAPI()
	api.commitResp = &procapi.CommitResponse{Async: true, TaskID: "task-1", UploadID: "up-1"}
	api.pollResp = &procapi.TaskProgress{Status: domain.TaskStatusProcessing, ProgressPercent: 5}
	ctrl := newTestController(t, api)

	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepValidate)

	sess, err = ctrl.Commit(context.Background(), sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.StepUpload, sess.CurrentStep)

	got, err := ctrl.Reset(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepSelectFile, got.CurrentStep)
	assert.Nil(t, got.File)
	assert.Nil(t, got.Preview)
	assert.Nil(t, got.Mapping)
	assert.Nil(t, got.Validation)
	assert.Nil(t, got.Task)
	assert.Nil(t, got.Outcome)

	// The cancelled attempt must never write an outcome into the fresh session.
	time.Sleep(60 * time.Millisecond)
	got, err = ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Outcome)
	assert.Nil(t, got.Task)
}

func TestRemoveFileClearsDerivedState(t *testing.T) {
	ctrl := newTestController(t, newTestAPI())
	sess, err := ctrl.CreateSession("org-7")
	require.NoError(t, err)
	stageFile(t, ctrl, sess.ID)
	advanceTo(t, ctrl, sess.ID, domain.StepPreview)

	got, err := ctrl.RemoveFile(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.File)
	assert.Nil(t, got.Preview)
	assert.Nil(t, got.Mapping)
	assert.Equal(t, domain.StepSelectFile, got.CurrentStep)
}
