// wizard-runner drives one full upload pass from the command line: stage a
// CSV, preview, map (auto-detect or a saved template), validate, commit and
// wait for the terminal outcome. Useful for smoke-testing a backend
// deployment without the browser client.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"csvwizard/domain"
	"csvwizard/filestore"
	"csvwizard/mapping"
	"csvwizard/obs"
	"csvwizard/procapi"
	"csvwizard/store"
	"csvwizard/upload"
	"csvwizard/wizard"
)

func main() {
	_ = godotenv.Load()

	var (
		filePath     = flag.String("file", "", "path to the CSV to upload (required)")
		orgID        = flag.String("org", "", "organization id (required)")
		templateName = flag.String("template", "", "apply this saved mapping template after auto-detection")
		skipInvalid  = flag.Bool("skip-invalid", false, "commit with invalid rows skipped")
		waitTimeout  = flag.Duration("wait", 10*time.Minute, "max time to wait for the upload outcome")
	)
	flag.Parse()
	if strings.TrimSpace(*filePath) == "" || strings.TrimSpace(*orgID) == "" {
		flag.Usage()
		os.Exit(2)
	}

	shutdownObs, logger := obs.Init("wizard-runner")
	defer func() { _ = shutdownObs(context.Background()) }()

	backendBase := strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	if backendBase == "" {
		log.Fatalf("BACKEND_BASE_URL is empty")
	}
	api := procapi.New(backendBase, os.Getenv("BACKEND_CSRF_TOKEN"))

	files, err := filestore.NewFromEnv(readEnvDefault("TMP_ROOT", "./tmp"))
	if err != nil {
		log.Fatalf("init filestore failed: %v", err)
	}

	coord := upload.NewCoordinator(api, upload.DefaultPollInterval)
	ctrl := wizard.NewController(store.NewInMemorySessionStore(), api, files, coord, nil)

	ctx, cancel := signalContext()
	defer cancel()

	sess, err := ctrl.CreateSession(*orgID)
	if err != nil {
		log.Fatalf("create session failed: %v", err)
	}
	defer func() { _ = ctrl.DestroySession(context.Background(), sess.ID) }()

	f, err := os.Open(*filePath)
	if err != nil {
		log.Fatalf("open %s: %v", *filePath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		log.Fatalf("stat %s: %v", *filePath, err)
	}
	sess, err = ctrl.SelectFile(ctx, sess.ID, filepath.Base(*filePath), fi.Size(), f)
	_ = f.Close()
	if err != nil {
		log.Fatalf("select file failed: %v", err)
	}
	logger.Info("file staged", "name", sess.File.Name, "bytes", sess.File.Size)

	sess, err = ctrl.GoToStep(ctx, sess.ID, domain.StepPreview)
	if err != nil {
		log.Fatalf("preview failed: %v", err)
	}
	logger.Info("preview fetched", "headers", len(sess.Preview.Headers), "totalRows", sess.Preview.TotalRows)
	for field, col := range invertMapping(sess.Mapping) {
		logger.Info("auto-detected", "field", field, "column", col)
	}

	if strings.TrimSpace(*templateName) != "" {
		sess, err = ctrl.ApplyTemplate(ctx, sess.ID, *templateName)
		if err != nil {
			log.Fatalf("apply template %q failed: %v", *templateName, err)
		}
		logger.Info("template applied", "name", *templateName)
	}

	if missing := mapping.MissingRequired(sess.Mapping); len(missing) > 0 {
		logger.Warn("required fields not mapped; validation will report them", "fields", strings.Join(missing, ","))
	}

	if _, err = ctrl.GoToStep(ctx, sess.ID, domain.StepMapColumns); err != nil {
		log.Fatalf("enter mapping step failed: %v", err)
	}
	sess, err = ctrl.GoToStep(ctx, sess.ID, domain.StepValidate)
	if err != nil {
		log.Fatalf("validation failed: %v", err)
	}
	v := sess.Validation
	logger.Info("validation done", "valid", v.ValidCount, "errors", v.ErrorCount, "duplicates", v.DuplicateCount)
	if v.ValidCount == 0 {
		log.Fatalf("nothing to upload: all %d rows invalid", v.ErrorCount)
	}

	sess, err = ctrl.Commit(ctx, sess.ID, *skipInvalid)
	if err != nil {
		log.Fatalf("commit failed: %v", err)
	}
	logger.Info("commit accepted", "async", sess.Task != nil)

	outcome, err := waitForOutcome(ctx, ctrl, sess.ID, *waitTimeout)
	if err != nil {
		log.Fatalf("wait for outcome: %v", err)
	}
	logger.Info("upload finished",
		"kind", string(outcome.Kind),
		"successful", outcome.SuccessfulRows,
		"failed", outcome.FailedRows,
		"duplicates", outcome.DuplicateRows,
		"message", outcome.Message,
	)
	if outcome.Kind == domain.OutcomeFailed {
		os.Exit(1)
	}
}

// waitForOutcome watches the session until the coordinator records the
// terminal outcome.
func waitForOutcome(ctx context.Context, ctrl *wizard.Controller, sessionID string, timeout time.Duration) (*domain.UploadOutcome, error) {
	deadline := time.After(timeout)
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		sess, err := ctrl.GetSession(sessionID)
		if err != nil {
			return nil, err
		}
		if sess.Outcome != nil {
			return sess.Outcome, nil
		}
		if sess.Task != nil && sess.Task.ProgressMessage != "" {
			log.Printf("progress: %d%% %s", sess.Task.ProgressPercent, sess.Task.ProgressMessage)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, context.DeadlineExceeded
		case <-t.C:
		}
	}
}

func invertMapping(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for col, field := range m {
		out[field] = col
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}
