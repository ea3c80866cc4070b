package usecase

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-qa-service/internal/config"
	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
	"github.com/kirillkom/rag-qa-service/internal/infrastructure/manifest"
)

var allowedLangHints = map[string]bool{"auto": true, "es": true, "en": true, "pt": true}

// IngestUseCase stages uploads and creates ingestion jobs. Jobs run
// asynchronously in the worker; this side only validates, snapshots, and
// enqueues.
type IngestUseCase struct {
	uploads ports.UploadRepository
	jobs    ports.JobRepository
	storage ports.ObjectStorage
	queue   ports.JobQueue
	store   ports.VectorStore
	appCfg  *config.AppConfig

	// jobMu serialises the conflict check against job creation so two jobs
	// can never both claim the same upload.
	jobMu sync.Mutex
}

func NewIngestUseCase(
	uploads ports.UploadRepository,
	jobs ports.JobRepository,
	storage ports.ObjectStorage,
	queue ports.JobQueue,
	store ports.VectorStore,
	appCfg *config.AppConfig,
) *IngestUseCase {
	return &IngestUseCase{
		uploads: uploads,
		jobs:    jobs,
		storage: storage,
		queue:   queue,
		store:   store,
		appCfg:  appCfg,
	}
}

func (uc *IngestUseCase) CreateUpload(ctx context.Context, req ports.UploadRequest) (*domain.UploadRecord, error) {
	if req.Body == nil || strings.TrimSpace(req.Filename) == "" {
		return nil, domain.WrapError(domain.ErrEmptyPayload, "create upload", fmt.Errorf("no file provided"))
	}

	maxBytes := uc.appCfg.Ingest.MaxUploadBytes()
	uploadID := uuid.NewString()
	filename := sanitizeFilename(req.Filename)
	now := time.Now().UTC()
	key := filepath.ToSlash(filepath.Join(
		now.Format("2006"), now.Format("01"), now.Format("02"), uploadID, filename,
	))

	counter := &boundedReader{r: req.Body, max: maxBytes}
	hasher := sha256.New()
	saveErr := uc.storage.Save(ctx, key, io.TeeReader(counter, hasher))
	if counter.exceeded {
		_ = uc.storage.Remove(ctx, key)
		return nil, domain.WrapError(domain.ErrTooLarge, "create upload",
			fmt.Errorf("Upload exceeds maximum size of %d bytes", maxBytes))
	}
	if saveErr != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "create upload", saveErr)
	}
	if counter.n == 0 {
		_ = uc.storage.Remove(ctx, key)
		return nil, domain.WrapError(domain.ErrEmptyPayload, "create upload", fmt.Errorf("uploaded file is empty"))
	}

	contentType, err := uc.sniffMime(ctx, key, filename)
	if err != nil {
		_ = uc.storage.Remove(ctx, key)
		return nil, domain.WrapError(domain.ErrStoreFailed, "sniff mime", err)
	}
	if !uc.mimeAllowed(contentType) {
		_ = uc.storage.Remove(ctx, key)
		return nil, domain.WrapError(domain.ErrUnsupportedMime, "create upload",
			fmt.Errorf("Unsupported MIME type: %s", contentType))
	}

	langHint := strings.ToLower(strings.TrimSpace(req.LangHint))
	if !allowedLangHints[langHint] {
		langHint = "auto"
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual-upload"
	}

	rec := &domain.UploadRecord{
		UploadID:    uploadID,
		Filename:    filename,
		SizeBytes:   counter.n,
		ContentType: contentType,
		Source:      source,
		Tags:        parseTags(req.TagsRaw),
		LangHint:    langHint,
		StoragePath: key,
		AbsPath:     uc.storage.AbsPath(key),
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   now.Truncate(time.Second),
	}
	if err := uc.uploads.Create(ctx, rec); err != nil {
		_ = uc.storage.Remove(ctx, key)
		return nil, domain.WrapError(domain.ErrStoreFailed, "persist upload", err)
	}
	return rec, nil
}

func (uc *IngestUseCase) GetUpload(ctx context.Context, uploadID string) (*domain.UploadRecord, error) {
	rec, err := uc.uploads.GetByID(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	rec.AbsPath = uc.storage.AbsPath(rec.StoragePath)
	return rec, nil
}

func (uc *IngestUseCase) CreateJob(ctx context.Context, uploadIDs []string, profileName string, options domain.JobOptions) (*domain.Job, error) {
	if len(uploadIDs) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create job", fmt.Errorf("upload_ids must not be empty"))
	}
	seen := map[string]bool{}
	for _, id := range uploadIDs {
		if seen[id] {
			return nil, domain.WrapError(domain.ErrInvalidInput, "create job", fmt.Errorf("upload_ids must be unique"))
		}
		seen[id] = true
	}

	resolvedProfile, _, err := uc.appCfg.ProfileFor(profileName)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnknownProfile, "create job", err)
	}

	aliasName := uc.appCfg.Embeddings.Alias.Name
	targetIndex := ""
	if options.DomainKey != "" {
		target, ok := uc.appCfg.Embeddings.Domains[options.DomainKey]
		if !ok {
			return nil, domain.WrapError(domain.ErrUnknownDomain, "create job", fmt.Errorf("domain %q", options.DomainKey))
		}
		aliasName = target.AliasName
		targetIndex = target.IndexName
	}

	records, err := uc.uploads.GetByIDs(ctx, uploadIDs)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "load uploads", err)
	}
	if len(records) != len(uploadIDs) {
		found := map[string]bool{}
		for _, r := range records {
			found[r.UploadID] = true
		}
		var missing []string
		for _, id := range uploadIDs {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		return nil, domain.WrapError(domain.ErrNotFound, "create job",
			fmt.Errorf("upload not found: %s", strings.Join(missing, ", ")))
	}

	uc.jobMu.Lock()
	defer uc.jobMu.Unlock()

	active, err := uc.jobs.ListActive(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "list active jobs", err)
	}
	for _, job := range active {
		for _, id := range job.UploadIDs {
			if seen[id] {
				return nil, domain.WrapError(domain.ErrConflict, "create job",
					fmt.Errorf("active job %s already references upload %s", job.JobID, id))
			}
		}
	}

	if targetIndex == "" {
		targetIndex, err = uc.store.NextVersion(ctx, aliasName)
		if err != nil {
			return nil, domain.WrapError(domain.ErrStoreFailed, "pick index version", err)
		}
	}

	jobID := newJobID()
	job := &domain.Job{
		JobID:       jobID,
		Status:      domain.JobStatusQueued,
		Profile:     resolvedProfile,
		TargetIndex: targetIndex,
		TargetAlias: aliasName,
		UploadIDs:   append([]string(nil), uploadIDs...),
		Options:     options,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Progress:    domain.JobProgress{FilesTotal: len(uploadIDs)},
		LogsTail:    []string{},
	}

	if err := uc.writeManifest(ctx, job, records); err != nil {
		return nil, err
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "persist job", err)
	}
	if err := uc.queue.PublishJob(ctx, jobID); err != nil {
		return nil, domain.WrapError(domain.ErrStoreFailed, "enqueue job", err)
	}
	return job.Clone(), nil
}

func (uc *IngestUseCase) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := uc.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// writeManifest snapshots the job inputs as a JSONL manifest under staging.
// Job tags merge with upload tags; upload lang wins over an "auto" job hint.
func (uc *IngestUseCase) writeManifest(ctx context.Context, job *domain.Job, records []domain.UploadRecord) error {
	entries := make([]domain.ManifestEntry, 0, len(records))
	jobLang := strings.ToLower(job.Options.LangHint)
	for _, rec := range records {
		tags := map[string]bool{}
		for _, t := range rec.Tags {
			tags[t] = true
		}
		for _, t := range job.Options.Tags {
			tags[t] = true
		}
		merged := make([]string, 0, len(tags))
		for t := range tags {
			merged = append(merged, t)
		}
		sort.Strings(merged)

		lang := jobLang
		uploadLang := strings.ToLower(rec.LangHint)
		if (lang == "" || lang == "auto") && uploadLang != "auto" && uploadLang != "" {
			lang = uploadLang
		}
		if lang == "auto" {
			lang = ""
		}

		entries = append(entries, domain.ManifestEntry{
			Path:     uc.storage.AbsPath(rec.StoragePath),
			DocID:    stemOf(rec.Filename),
			Profile:  job.Profile,
			Tags:     merged,
			Lang:     lang,
			Priority: job.Options.Priority,
			Metadata: map[string]string{
				"source":          rec.Source,
				"content_type":    rec.ContentType,
				"checksum_sha256": rec.Checksum,
				"upload_id":       rec.UploadID,
			},
		})
	}

	path := uc.storage.AbsPath(manifestKey(job.JobID))
	if err := manifest.Write(path, entries); err != nil {
		return domain.WrapError(domain.ErrStoreFailed, "write manifest", err)
	}
	_ = ctx
	return nil
}

func manifestKey(jobID string) string {
	return "manifests/" + jobID + ".jsonl"
}

func newJobID() string {
	return fmt.Sprintf("emb-%s-%s", time.Now().UTC().Format("20060102"), uuid.NewString()[:6])
}

func stemOf(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}

func parseTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	var parsed []string
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		out := make([]string, 0, len(parsed))
		for _, t := range parsed {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	var out []string
	for _, seg := range strings.Split(raw, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// boundedReader fails the copy once more than max bytes have been read.
type boundedReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

func (b *boundedReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.n += int64(n)
	if b.n > b.max {
		b.exceeded = true
		return n, fmt.Errorf("upload exceeds %d bytes", b.max)
	}
	return n, err
}

// sniffMime prefers magic bytes; OOXML containers are told apart by probing
// the zip directory.
func (uc *IngestUseCase) sniffMime(ctx context.Context, key, filename string) (string, error) {
	rc, err := uc.storage.Open(ctx, key)
	if err != nil {
		return "", err
	}
	head := make([]byte, 4096)
	n, _ := io.ReadFull(rc, head)
	rc.Close()
	head = head[:n]

	switch {
	case len(head) >= 4 && string(head[:4]) == "%PDF":
		return "application/pdf", nil
	case len(head) >= 4 && string(head[:4]) == "PK\x03\x04":
		if subtype := uc.detectOfficeSubtype(key); subtype != "" {
			return subtype, nil
		}
	}
	lowered := strings.ToLower(string(head))
	if strings.Contains(lowered, "<html") || strings.Contains(lowered, "<!doctype html") {
		return "text/html", nil
	}
	if looksTextual(head) {
		return "text/plain", nil
	}
	if guessed := mime.TypeByExtension(filepath.Ext(filename)); guessed != "" {
		if idx := strings.Index(guessed, ";"); idx > 0 {
			guessed = guessed[:idx]
		}
		return strings.ToLower(guessed), nil
	}
	return "application/octet-stream", nil
}

func (uc *IngestUseCase) detectOfficeSubtype(key string) string {
	zr, err := zip.OpenReader(uc.storage.AbsPath(key))
	if err != nil {
		return ""
	}
	defer zr.Close()
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case strings.HasPrefix(f.Name, "ppt/"):
			return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
		case strings.HasPrefix(f.Name, "xl/"):
			return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
	}
	return ""
}

func (uc *IngestUseCase) mimeAllowed(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, allowed := range uc.appCfg.Ingest.AllowMime {
		if ct == allowed {
			return true
		}
	}
	return false
}

func looksTextual(head []byte) bool {
	limit := len(head)
	if limit > 128 {
		limit = 128
	}
	for _, b := range head[:limit] {
		if b >= 32 && b <= 126 {
			continue
		}
		switch b {
		case '\t', '\n', '\r':
			continue
		}
		if b >= 0x80 {
			// Allow UTF-8 continuation bytes.
			continue
		}
		return false
	}
	return true
}
