package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csvwizard/domain"
)

func sampleSession() *domain.UploadSession {
	return &domain.UploadSession{
		ID:             "sess-1",
		OrganizationID: "org-1",
		CurrentStep:    domain.StepMapColumns,
		CreatedAt:      time.Now().Truncate(time.Second),
		File: &domain.FileRef{
			Name:   "spend.csv",
			Size:   1234,
			Path:   "/tmp/upload_sessions/sess-1/spend.csv",
			OSSKey: "wizard-inputs/sess-1/spend.csv",
			Token:  "tok-1",
		},
		Preview: &domain.PreviewData{
			Headers:    []string{"Vendor Name", "Total"},
			TotalRows:  10,
			SampleRows: []map[string]string{{"Vendor Name": "Acme", "Total": "10"}},
			FileToken:  "tok-1",
		},
		Mapping: map[string]string{"Vendor Name": "supplier", "Total": "amount"},
		Validation: &domain.ValidationResult{
			ValidCount: 9,
			ErrorCount: 1,
			Errors:     []domain.RowError{{Row: 3, Field: "amount", Message: "not a number", Value: "x"}},
		},
	}
}

func TestInMemoryStoreIsolation(t *testing.T) {
	s := NewInMemorySessionStore()
	orig := sampleSession()
	require.NoError(t, s.Create(orig))

	// Mutating the caller's copy must not reach the store.
	orig.Mapping["Vendor Name"] = "category"

	got, ok, err := s.Get("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "supplier", got.Mapping["Vendor Name"])

	// And mutating what Get returned must not either.
	got.Preview.Headers[0] = "tampered"
	again, _, _ := s.Get("sess-1")
	assert.Equal(t, "Vendor Name", again.Preview.Headers[0])
}

func TestInMemoryStoreUpdate(t *testing.T) {
	s := NewInMemorySessionStore()
	require.NoError(t, s.Create(sampleSession()))

	got, ok, err := s.Update("sess-1", func(sess *domain.UploadSession) {
		sess.CurrentStep = domain.StepValidate
		sess.Validation.Stale = true
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StepValidate, got.CurrentStep)
	assert.True(t, got.Validation.Stale)

	_, ok, err = s.Update("missing", func(sess *domain.UploadSession) {})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryStoreDelete(t *testing.T) {
	s := NewInMemorySessionStore()
	require.NoError(t, s.Create(sampleSession()))
	require.NoError(t, s.Delete("sess-1"))
	_, ok, err := s.Get("sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// The redis record must round-trip the fields the JSON API hides (staged
// file paths and fetch tokens); losing them across a pod hop would break
// the one-preview-per-file rule and the file fallback.
func TestSessionRecordRoundTrip(t *testing.T) {
	orig := sampleSession()
	got := sessionFromRecord(recordFromSession(orig))

	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.OrganizationID, got.OrganizationID)
	assert.Equal(t, orig.CurrentStep, got.CurrentStep)
	require.NotNil(t, got.File)
	assert.Equal(t, orig.File.Path, got.File.Path)
	assert.Equal(t, orig.File.OSSKey, got.File.OSSKey)
	assert.Equal(t, orig.File.Token, got.File.Token)
	require.NotNil(t, got.Preview)
	assert.Equal(t, orig.Preview.FileToken, got.Preview.FileToken)
	assert.Equal(t, orig.Preview.Headers, got.Preview.Headers)
	assert.Equal(t, orig.Mapping, got.Mapping)
	require.NotNil(t, got.Validation)
	assert.Equal(t, orig.Validation.Errors, got.Validation.Errors)
}

func TestSessionRecordEmptyOptionalParts(t *testing.T) {
	got := sessionFromRecord(recordFromSession(&domain.UploadSession{
		ID:             "sess-2",
		OrganizationID: "org-1",
		CurrentStep:    domain.StepSelectFile,
	}))
	assert.Nil(t, got.File)
	assert.Nil(t, got.Preview)
	assert.Nil(t, got.Validation)
}
