package transport

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/bandflow/internal/idempotency"
	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/model"
)

// IdempotencyKeyHeader carries the client-chosen idempotency key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

const maxIdempotencyKeyLen = 255

// Idempotent replays the recorded response when a request repeats an
// idempotency key with the same body. Reusing a key with a different body
// is a CONFLICT. Only 2xx responses are recorded. Requests without the
// header pass straight through.
func Idempotent(store idempotency.Store, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxIdempotencyKeyLen {
				WriteError(w, model.NewBadRequestError(IdempotencyKeyHeader+" is too long"))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, model.NewBadRequestError("request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			logger := observability.LoggerFrom(ctx, zap.NewNop())
			var subject string
			if rctx := model.RequestContextFrom(ctx); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.Key(subject, r.Method+" "+r.URL.Path, clientKey)
			hash := idempotency.Hash(body)

			prev, found, err := store.Check(ctx, key, hash)
			switch {
			case model.ErrorCode(err) == model.ErrConflict:
				WriteError(w, err)
				return
			case err != nil:
				logger.Warn("idempotency lookup failed, executing request", zap.Error(err))
			case found:
				replay(w, prev)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			resp := idempotency.Response{
				Status:   rec.status,
				Body:     rec.body.Bytes(),
				Location: rec.Header().Get("Location"),
			}
			if err := store.Save(ctx, key, hash, resp, ttl); err != nil {
				logger.Warn("idempotency record failed", zap.Error(err))
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *idempotency.Response) {
	if resp.Location != "" {
		w.Header().Set("Location", resp.Location)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// recordingWriter copies the status and body it passes through.
type recordingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
