package gateway

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hikaru-dev/poolgate/internal/adapter"
	"github.com/hikaru-dev/poolgate/internal/db"
)

// maxBodyBytes caps inbound request bodies (prompts with inline images
// can be large, but not unbounded).
const maxBodyBytes = 32 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("⚠️ Failed to write response: %v", err)
	}
}

// ChatCompletions handles POST /v1/chat/completions.
func (o *Orchestrator) ChatCompletions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		req, raw, err := adapter.ParseOpenAIChat(body)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error())
			return
		}

		key := keyFromContext(r.Context())
		rt, err := o.resolveRoute(key.UserID, key, req.Model, raw.ProviderAccountID)
		if err != nil {
			writeOpenAIError(w, httpStatus(err), errorMessage(err))
			return
		}

		result, account, err := o.Execute(r.Context(), key.UserID, rt, req)
		if err != nil {
			status := httpStatus(err)
			writeOpenAIError(w, status, errorMessage(err))
			o.record(key.UserID, account, rt, adapter.Usage{}, started, status, err)
			return
		}

		if req.Stream {
			sse, ok := adapter.NewSSEWriter(w)
			if !ok {
				writeOpenAIError(w, http.StatusInternalServerError, "streaming unsupported by connection")
				return
			}
			completion, streamErr := adapter.StreamOpenAIChat(sse, rt.requested, result.Events)
			o.record(key.UserID, account, rt, completion.Usage, started, http.StatusOK, streamErr)
			return
		}

		writeJSON(w, http.StatusOK, adapter.RenderOpenAIChatCompletion(result.Completion, rt.requested))
		o.record(key.UserID, account, rt, result.Completion.Usage, started, http.StatusOK, nil)
	}
}

// Messages handles POST /v1/messages (Anthropic shape).
func (o *Orchestrator) Messages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		req, raw, err := adapter.ParseAnthropicMessages(body)
		if err != nil {
			writeAnthropicError(w, http.StatusBadRequest, err.Error())
			return
		}

		key := keyFromContext(r.Context())
		rt, err := o.resolveRoute(key.UserID, key, req.Model, raw.ProviderAccountID)
		if err != nil {
			writeAnthropicError(w, httpStatus(err), errorMessage(err))
			return
		}

		result, account, err := o.Execute(r.Context(), key.UserID, rt, req)
		if err != nil {
			status := httpStatus(err)
			writeAnthropicError(w, status, errorMessage(err))
			o.record(key.UserID, account, rt, adapter.Usage{}, started, status, err)
			return
		}

		if req.Stream {
			sse, ok := adapter.NewSSEWriter(w)
			if !ok {
				writeAnthropicError(w, http.StatusInternalServerError, "streaming unsupported by connection")
				return
			}
			completion, streamErr := adapter.StreamAnthropic(sse, rt.requested, result.Events)
			o.record(key.UserID, account, rt, completion.Usage, started, http.StatusOK, streamErr)
			return
		}

		writeJSON(w, http.StatusOK, adapter.RenderAnthropicMessage(result.Completion, rt.requested))
		o.record(key.UserID, account, rt, result.Completion.Usage, started, http.StatusOK, nil)
	}
}

// Responses handles POST /v1/responses.
func (o *Orchestrator) Responses() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		req, raw, err := adapter.ParseResponses(body)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, err.Error())
			return
		}

		key := keyFromContext(r.Context())
		rt, err := o.resolveRoute(key.UserID, key, req.Model, raw.ProviderAccountID)
		if err != nil {
			writeOpenAIError(w, httpStatus(err), errorMessage(err))
			return
		}

		result, account, err := o.Execute(r.Context(), key.UserID, rt, req)
		if err != nil {
			status := httpStatus(err)
			writeOpenAIError(w, status, errorMessage(err))
			o.record(key.UserID, account, rt, adapter.Usage{}, started, status, err)
			return
		}

		if req.Stream {
			sse, ok := adapter.NewSSEWriter(w)
			if !ok {
				writeOpenAIError(w, http.StatusInternalServerError, "streaming unsupported by connection")
				return
			}
			completion, streamErr := adapter.StreamResponses(sse, rt.requested, result.Events)
			o.record(key.UserID, account, rt, completion.Usage, started, http.StatusOK, streamErr)
			return
		}

		writeJSON(w, http.StatusOK, adapter.RenderResponses(result.Completion, rt.requested))
		o.record(key.UserID, account, rt, result.Completion.Usage, started, http.StatusOK, nil)
	}
}

// Models handles GET /v1/models: the registry catalog filtered to what
// this key may actually call.
func (o *Orchestrator) Models() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := keyFromContext(r.Context())

		data := []map[string]any{}
		for _, m := range o.Registry.Models() {
			if !keyAllowsModel(key, m.Name, m.Name) {
				continue
			}
			if db.IsModelDisabled(o.DB, key.UserID, m.Name) {
				continue
			}
			data = append(data, map[string]any{
				"id":       m.Name,
				"object":   "model",
				"owned_by": "poolgate",
				"aliases":  m.Aliases,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}
