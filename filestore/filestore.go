// Package filestore stages wizard artifacts: the selected CSV (re-sent to
// the backend on preview, validate and commit) and the validation error
// report. Files always land under the local tmp root; when OSS is
// configured they are mirrored to an object key so a request landing on a
// different pod can still re-fetch them.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"

	"csvwizard/domain"
)

type Store struct {
	tmpRoot string

	bucketName   string
	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket
	cred         credentials.Credential

	inputPrefix  string
	reportPrefix string
	signExpiry   time.Duration
}

// NewFromEnv builds a Store rooted at tmpRoot. OSS mirroring turns on when
// OSS_BUCKET is set; a set-but-broken OSS config is an error rather than a
// silent downgrade to local-only.
func NewFromEnv(tmpRoot string) (*Store, error) {
	tmpRoot = strings.TrimSpace(tmpRoot)
	if tmpRoot == "" {
		tmpRoot = "./tmp"
	}
	st := &Store{
		tmpRoot:      tmpRoot,
		inputPrefix:  "wizard-inputs",
		reportPrefix: "wizard-reports",
	}

	bucket := strings.TrimSpace(os.Getenv("OSS_BUCKET"))
	if bucket == "" {
		return st, nil
	}

	region := strings.TrimSpace(os.Getenv("OSS_REGION"))
	if region == "" {
		region = "cn-heyuan"
	}
	internalEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL"))
	publicEndpoint := strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC"))
	if internalEndpoint == "" && publicEndpoint == "" {
		return nil, errors.New("OSS_BUCKET set but OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC missing")
	}
	// Signed URLs must be reachable from a browser; internal-only endpoints
	// would sign an internal hostname.
	if publicEndpoint == "" {
		publicEndpoint = internalEndpoint
	}
	if internalEndpoint == "" {
		internalEndpoint = publicEndpoint
	}

	if p := strings.Trim(strings.TrimSpace(os.Getenv("OSS_INPUT_PREFIX")), "/"); p != "" {
		st.inputPrefix = p
	}
	if p := strings.Trim(strings.TrimSpace(os.Getenv("OSS_REPORT_PREFIX")), "/"); p != "" {
		st.reportPrefix = p
	}

	expirySec := readEnvInt64Default("OSS_SIGN_EXPIRE_SECONDS", 600)
	if expirySec <= 0 {
		expirySec = 600
	}

	cred, err := newAlibabaCredential(region)
	if err != nil {
		return nil, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Validate once up front so a misconfigured RRSA/AK doesn't surface later
	// as a misleading anonymous-request 403 from OSS.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, err
	}
	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(internalEndpoint, region, provider)
	if err != nil {
		return nil, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(publicEndpoint, region, provider)
	if err != nil {
		return nil, fmt.Errorf("init oss sign client failed: %w", err)
	}
	ub, err := uploadClient.Bucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	st.bucketName = bucket
	st.uploadBucket = ub
	st.signBucket = sb
	st.cred = cred
	st.signExpiry = time.Duration(expirySec) * time.Second
	return st, nil
}

func (s *Store) OSSEnabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.tmpRoot, "upload_sessions", strings.TrimSpace(sessionID))
}

func (s *Store) inputObjectKey(sessionID, originalName string) string {
	name := strings.TrimSpace(originalName)
	if name == "" {
		name = "upload.csv"
	}
	// prevent path traversal in object key
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	return path.Join(s.inputPrefix, strings.TrimSpace(sessionID), name)
}

func (s *Store) ReportObjectKey(sessionID string) string {
	return path.Join(s.reportPrefix, strings.TrimSpace(sessionID), "validation_errors.xlsx")
}

// SaveCSV streams the selected file to disk (and OSS when enabled) and
// returns a FileRef the session can carry. The caller has already checked
// extension and size.
func (s *Store) SaveCSV(sessionID, token, originalName string, src io.Reader) (*domain.FileRef, error) {
	if s == nil {
		return nil, errors.New("filestore not initialized")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("sessionID is empty")
	}
	name := filepath.Base(strings.TrimSpace(originalName))
	if name == "" || name == "." {
		name = "upload.csv"
	}

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dst := filepath.Join(dir, name)
	f, err := os.Create(dst)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, err
	}

	ref := &domain.FileRef{
		Name:  name,
		Size:  n,
		Path:  dst,
		Token: token,
	}
	if s.OSSEnabled() {
		key := s.inputObjectKey(sessionID, name)
		if err := s.putFile(key, dst, "text/csv"); err != nil {
			return nil, fmt.Errorf("mirror upload to oss: %w", err)
		}
		ref.OSSKey = key
	}
	return ref, nil
}

// Open returns the staged CSV for re-sending to the backend. It prefers the
// local copy and falls back to OSS when this pod never saw the upload.
func (s *Store) Open(ref *domain.FileRef) (io.ReadCloser, error) {
	if s == nil || ref == nil {
		return nil, errors.New("no staged file")
	}
	if ref.Path != "" {
		f, err := os.Open(ref.Path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if ref.OSSKey != "" && s.OSSEnabled() {
		if err := s.ensureCred(); err != nil {
			return nil, err
		}
		return s.uploadBucket.GetObject(strings.TrimLeft(ref.OSSKey, "/"))
	}
	return nil, errors.New("staged file is gone; select the file again")
}

// PutReport uploads the rendered error report and returns its object key.
// Requires OSS; local-only deployments serve the report straight from the
// handler instead.
func (s *Store) PutReport(sessionID, localPath string) (string, error) {
	if !s.OSSEnabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	key := s.ReportObjectKey(sessionID)
	err := s.uploadBucket.PutObjectFromFile(
		key,
		strings.TrimSpace(localPath),
		oss.ContentType("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
	)
	if err != nil {
		return "", err
	}
	return key, nil
}

// SignReportURL returns a short-lived browser-usable download URL.
func (s *Store) SignReportURL(objectKey, downloadFilename string) (string, error) {
	if !s.OSSEnabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", errors.New("objectKey empty")
	}
	name := strings.TrimSpace(downloadFilename)
	if name == "" {
		name = "validation_errors.xlsx"
	}
	escaped := url.PathEscape(name)
	disp := fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", name, escaped)
	return s.signBucket.SignURL(
		objectKey,
		oss.HTTPGet,
		int64(s.signExpiry.Seconds()),
		oss.ResponseContentDisposition(disp),
	)
}

// RemoveSession deletes everything staged for the session. Local files go
// first; OSS objects are best-effort (TTL policies clean up stragglers).
func (s *Store) RemoveSession(sessionID string, ref *domain.FileRef) {
	if s == nil {
		return
	}
	_ = os.RemoveAll(s.sessionDir(sessionID))
	if s.OSSEnabled() && s.ensureCred() == nil {
		if ref != nil && ref.OSSKey != "" {
			_ = s.uploadBucket.DeleteObject(strings.TrimLeft(ref.OSSKey, "/"))
		}
		_ = s.uploadBucket.DeleteObject(s.ReportObjectKey(sessionID))
	}
}

func (s *Store) putFile(objectKey, localPath, contentType string) error {
	if !s.OSSEnabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	localPath = strings.TrimSpace(localPath)
	if objectKey == "" || localPath == "" {
		return errors.New("invalid objectKey/localPath")
	}
	opts := []oss.Option{}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(strings.TrimSpace(contentType)))
	}
	return s.uploadBucket.PutObjectFromFile(objectKey, localPath, opts...)
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("alibaba credentials not initialized")
	}
	return validateAlibabaCredential(s.cred)
}

func newAlibabaCredential(region string) (credentials.Credential, error) {
	// When RRSA env vars are present, pin the OIDC flow explicitly and allow
	// overriding the STS endpoint (useful when there is no public egress).
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		cfg := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)

		stsEndpoint := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
		if stsEndpoint == "" {
			stsEndpoint = "sts.aliyuncs.com"
			if strings.TrimSpace(region) != "" {
				stsEndpoint = "sts." + strings.TrimSpace(region) + ".aliyuncs.com"
			}
		}
		cfg.SetSTSEndpoint(stsEndpoint)
		return credentials.NewCredential(cfg)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba credentials not initialized")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("fetch alibaba credential failed (check RRSA injection / STS reachability): %w", err)
	}
	if c == nil || c.AccessKeyId == nil || c.AccessKeySecret == nil || strings.TrimSpace(*c.AccessKeyId) == "" || strings.TrimSpace(*c.AccessKeySecret) == "" {
		return errors.New("alibaba credential is empty; RRSA likely not injected")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	// AK/SK left empty on purpose: everything goes through the provider.
	return oss.New(endpoint, "", "", opts...)
}

// --- Credentials bridge: credentials-go -> OSS SDK V1 ---

type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// The V1 provider interface can't return an error; empty credentials
		// make the actual request fail and surface the problem there.
		return &ossCred{}
	}
	token := ""
	if out.SecurityToken != nil {
		token = *out.SecurityToken
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   token,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func readEnvInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
