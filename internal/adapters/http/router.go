package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/rag-qa-service/internal/core/domain"
	"github.com/kirillkom/rag-qa-service/internal/core/ports"
	"github.com/kirillkom/rag-qa-service/internal/observability/metrics"
)

const (
	domainHeader     = "X-RAG-Domain"
	answerModeHeader = "X-Answer-Mode"

	answerTimeout = 120 * time.Second
)

// HealthProber reports upstream availability for /healthz.
type HealthProber interface {
	Ping(ctx context.Context) error
}

type Router struct {
	answers ports.AnswerService
	ingest  ports.IngestOrchestrator
	metrics *metrics.HTTPServerMetrics
	probes  map[string]HealthProber
	service string
}

func NewRouter(
	answers ports.AnswerService,
	ingest ports.IngestOrchestrator,
	m *metrics.HTTPServerMetrics,
	probes map[string]HealthProber,
) *Router {
	return &Router{
		answers: answers,
		ingest:  ingest,
		metrics: m,
		probes:  probes,
		service: "api",
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /chat", rt.chat)
	mux.HandleFunc("POST /uploads", rt.createUpload)
	mux.HandleFunc("GET /uploads/{id}", rt.getUpload)
	mux.HandleFunc("POST /ingest/jobs", rt.createJob)
	mux.HandleFunc("GET /ingest/jobs/{id}", rt.getJob)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

// healthz always answers 200; per-service states carry the detail.
func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ok := true
	services := map[string]string{}
	for name, probe := range rt.probes {
		if err := probe.Ping(ctx); err != nil {
			ok = false
			services[name] = "down (" + err.Error() + ")"
			continue
		}
		services[name] = "up"
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "services": services})
}

func (rt *Router) chat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "invalid json"))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "question is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), answerTimeout)
	defer cancel()

	start := time.Now()
	resp, err := rt.answers.Answer(ctx, req.Question, r.Header.Get(domainHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordAnswer(rt.service, string(resp.Mode), resp.DecisionExplain.Reason,
			len(resp.RetrievedChunksMetadata), time.Since(start))
	}

	w.Header().Set(answerModeHeader, string(resp.Mode))
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) createUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("empty_payload", "multipart field 'file' is required"))
		return
	}
	defer file.Close()

	rec, err := rt.ingest.CreateUpload(r.Context(), ports.UploadRequest{
		Filename: header.Filename,
		Body:     file,
		Source:   r.FormValue("source"),
		TagsRaw:  r.FormValue("tags"),
		LangHint: r.FormValue("lang_hint"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (rt *Router) getUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.ingest.GetUpload(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadIDs   []string `json:"upload_ids"`
		Profile     string   `json:"profile"`
		Tags        []string `json:"tags"`
		LangHint    string   `json:"lang_hint"`
		Priority    int      `json:"priority"`
		UpdateAlias bool     `json:"update_alias"`
		Evaluate    bool     `json:"evaluate"`
		DomainKey   string   `json:"domain_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", "invalid json"))
		return
	}

	job, err := rt.ingest.CreateJob(r.Context(), req.UploadIDs, req.Profile, domain.JobOptions{
		UpdateAlias: req.UpdateAlias,
		Evaluate:    req.Evaluate,
		Priority:    req.Priority,
		Tags:        req.Tags,
		LangHint:    req.LangHint,
		DomainKey:   req.DomainKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := rt.ingest.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	writeJSON(w, status, errorBody(domain.ErrorCode(err), err.Error()))
}

func errorBody(code, detail string) map[string]string {
	return map[string]string{"error": code, "detail": detail}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
