package hubtest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"github.com/go-chi/chi/v5"
)

func (h *Hub) routes() http.Handler {
	router := chi.NewRouter()

	router.Route("/"+transport.APIVersion+"/Repositories/{repo}", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/$changeset", h.handleChangeset)
		r.Post("/{schema}/{class}", h.handleCreate)
		r.Get("/{schema}/{class}", h.handleQuery)
		r.Post("/{schema}/{class}/{id}", h.handleUpdate)
		r.Delete("/{schema}/{class}/{id}", h.handleDelete)
		r.Put("/{schema}/{class}/{id}/$file", h.handleUpload)
		r.Get("/{schema}/{class}/{id}/$file", h.handleDownload)
	})
	router.Delete(eventPrefix+"/Subscriptions/{id}/messages/head", h.handlePoll)
	router.Get(blobPrefix+"/{bucket}/*", h.handleBlobGet)
	router.Put(blobPrefix+"/{bucket}/*", h.handleBlobPut)

	return router
}

// authenticate checks the bearer token and the repository name.
func (h *Hub) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.checkCaller(r.Header.Get("Authorization"), param(r, "repo")); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Hub) checkCaller(authorization, repo string) error {
	h.mu.Lock()
	token := h.token
	h.mu.Unlock()

	if authorization != common.BearerPrefix+token {
		return newError("", http.StatusUnauthorized, "invalid token")
	}
	if repo != h.opts.Repository {
		return notFound(ErrIDRepositoryDoesNotExist, "repository %s", repo)
	}
	return nil
}

// param returns an unescaped route parameter.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func decode(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var he *hubError
	if !errors.As(err, &he) {
		he = newError(ErrIDInternalServerError, http.StatusInternalServerError, "%v", err)
	}
	if he.id == "" {
		http.Error(w, he.msg, he.status)
		return
	}
	writeJSON(w, he.status, transport.WireError{
		ErrorID:      common.RemoteErrorPrefix + he.id,
		ErrorMessage: he.msg,
		ErrorData:    he.data,
	})
}

func (h *Hub) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req transport.WireCreateRequest
	if err := decode(r.Body, &req); err != nil {
		writeError(w, badRequest(ErrIDMissingProperties, "body: %v", err))
		return
	}
	inst := transport.FromWire(req.Instance)
	inst.Class = param(r, "class")

	out, err := h.create(inst)
	if err != nil {
		writeError(w, err)
		return
	}
	var resp transport.WireChangedInstance
	resp.ChangedInstance.InstanceAfterChange = transport.ToWire(out)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Hub) handleQuery(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	top, _ := strconv.Atoi(values.Get("$top"))
	out, err := h.list(query{
		class:  param(r, "class"),
		filter: values.Get("$filter"),
		sel:    values.Get("$select"),
		top:    top,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := transport.WireInstances{Instances: make([]transport.WireInstance, 0, len(out))}
	for _, i := range out {
		resp.Instances = append(resp.Instances, transport.ToWire(i))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req transport.WireCreateRequest
	if err := decode(r.Body, &req); err != nil {
		writeError(w, badRequest(ErrIDMissingProperties, "body: %v", err))
		return
	}
	inst := transport.FromWire(req.Instance)
	inst.Class, inst.ID = param(r, "class"), param(r, "id")
	if err := h.update(inst); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := transport.ObjectID{Schema: param(r, "schema"), Class: param(r, "class"), ID: param(r, "id")}
	if err := h.remove(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) handleChangeset(w http.ResponseWriter, r *http.Request) {
	var req transport.WireChangeset
	if err := decode(r.Body, &req); err != nil {
		writeError(w, badRequest(ErrIDMissingProperties, "body: %v", err))
		return
	}
	out, err := h.changeset(transport.ChangesetFromWire(req))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(out) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	var resp transport.WireChangesetResult
	for _, i := range out {
		resp.ChangedInstances = append(resp.ChangedInstances, transport.WireChangedInstanceEntry{
			Change:              string(i.State),
			InstanceAfterChange: transport.ToWire(i),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, badRequest(ErrIDFileIsNotUploaded, "body: %v", err))
		return
	}
	if err := h.putFile(param(r, "class"), param(r, "id"), body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Hub) handleDownload(w http.ResponseWriter, r *http.Request) {
	body, err := h.getFile(param(r, "class"), param(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = io.Copy(w, bytes.NewReader(body))
}
