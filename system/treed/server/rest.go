package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/signadot/livetree/ir"
	"github.com/signadot/livetree/system/treed/actions"
	"github.com/signadot/livetree/system/treed/api"
	"github.com/signadot/livetree/system/treed/authz"
)

// DataPath prefixes the REST endpoints: /data/a/b addresses /a/b.
const DataPath = "/data"

const maxBody = 16 << 20

// serveData implements GET, PUT, POST, PATCH and DELETE on tree paths.
func (s *Server) serveData(w http.ResponseWriter, r *http.Request) {
	p, err := ir.ParsePath(strings.TrimPrefix(r.URL.Path, DataPath))
	if err != nil {
		writeError(w, api.FromError(err))
		return
	}
	actor, err := s.restActor(r)
	if err != nil {
		writeError(w, api.FromError(err))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.restGet(w, actor, p)
	case http.MethodPut:
		s.restMutate(w, r, &actions.Mutation{Action: actions.ActionSet, Actor: actor, Path: p})
	case http.MethodPost:
		s.restMutate(w, r, &actions.Mutation{Action: actions.ActionPush, Actor: actor, Path: p})
	case http.MethodPatch:
		s.restPatch(w, r, actor, p)
	case http.MethodDelete:
		s.restApply(w, r, &actions.Mutation{Action: actions.ActionDelete, Actor: actor, Path: p})
	default:
		w.Header().Set("Allow", "GET, PUT, POST, PATCH, DELETE")
		writeError(w, api.Malformed("method %s not allowed", r.Method))
	}
}

// restActor returns the actor of a bearer token, or anonymous.
func (s *Server) restActor(r *http.Request) (*authz.Actor, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, nil
	}
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported authorization scheme", authz.ErrAuthentication)
	}
	return s.auth.Token(strings.TrimSpace(tok))
}

func (s *Server) restGet(w http.ResponseWriter, actor *authz.Actor, p ir.Path) {
	az := s.engine.Authz()
	root := s.engine.Store().Root()
	v := root.GetPath(p)
	if err := az.Authorize(authz.Read, actor, p, v, root); err != nil {
		writeError(w, api.FromError(err))
		return
	}
	v = az.Filter(actor, p, v, root)
	if v == nil {
		v = ir.Null()
	}
	writeJSON(w, http.StatusOK, v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	d, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, api.Malformed("failed to read body: %v", err)
	}
	return d, nil
}

// restMutate decodes the body as the mutation's data and applies it.
func (s *Server) restMutate(w http.ResponseWriter, r *http.Request, m *actions.Mutation) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, api.FromError(err))
		return
	}
	if m.Data, err = ir.FromJSON(d); err != nil {
		writeError(w, api.Malformed("invalid JSON body: %v", err))
		return
	}
	s.restApply(w, r, m)
}

// restPatch applies a merge patch or a JSON patch to the current value
// and sets the result; a plain JSON body is an update.
func (s *Server) restPatch(w http.ResponseWriter, r *http.Request, actor *authz.Actor, p ir.Path) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "" || ct == "application/json" {
		s.restMutate(w, r, &actions.Mutation{Action: actions.ActionUpdate, Actor: actor, Path: p})
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, api.FromError(err))
		return
	}
	cur := s.engine.Store().Get(p)
	doc := []byte("{}")
	if cur.Exists() {
		if doc, err = json.Marshal(cur); err != nil {
			writeError(w, api.FromError(err))
			return
		}
	}
	var patched []byte
	switch ct {
	case "application/merge-patch+json":
		patched, err = jsonpatch.MergePatch(doc, body)
	case "application/json-patch+json":
		var patch jsonpatch.Patch
		if patch, err = jsonpatch.DecodePatch(body); err == nil {
			patched, err = patch.Apply(doc)
		}
	default:
		writeError(w, api.Malformed("unsupported content type %q", ct))
		return
	}
	if err != nil {
		writeError(w, api.Malformed("patch: %v", err))
		return
	}
	v, err := ir.FromJSON(patched)
	if err != nil {
		writeError(w, api.Malformed("patch result: %v", err))
		return
	}
	s.restApply(w, r, &actions.Mutation{Action: actions.ActionSet, Actor: actor, Path: p, Data: v})
}

func (s *Server) restApply(w http.ResponseWriter, r *http.Request, m *actions.Mutation) {
	res, err := s.engine.Apply(r.Context(), m)
	if err != nil {
		writeError(w, api.FromError(err))
		return
	}
	out := map[string]any{"seq": res.ChangeLog.Seq}
	if m.Action == actions.ActionPush {
		out["name"] = res.Path.LastElement()
	}
	if len(res.Rejected) != 0 {
		rejected := make([]string, len(res.Rejected))
		for i, p := range res.Rejected {
			rejected[i] = p.String()
		}
		out["rejected"] = rejected
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *api.Error) {
	writeJSON(w, api.HTTPStatus(e.Code), e)
}
