package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/internal/telemetry"
	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/replication"
	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
)

// forwardedHeader marks a request already forwarded once, so the home node
// serves it even if its ring view differs.
const forwardedHeader = "X-Zephyr-Forwarded"

const maxContent = 16 << 20

// Routes mounts every endpoint, instrumented per operation.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	handle("GET /info", "info", n.Info)
	handle("GET /members", "members", n.Members)
	handle("GET /resources", "list", n.ListResources)
	handle("POST /resources", "create", n.CreateResource)
	handle("GET /resources/{id}", "get", n.GetResource)
	handle("DELETE /resources/{id}", "delete", n.DeleteResource)
	handle("GET /resources/{id}/content", "get_content", n.GetContent)
	handle("PUT /resources/{id}/content", "put_content", n.PutContent)
	handle("POST /resources/{id}/pull", "pull", n.Pull)
	handle("GET /resources/{id}/conflicts", "conflicts", n.Conflicts)
	handle("POST /resources/{id}/conflicts/{cid}/resolve", "resolve", n.Resolve)
	handle("GET /delivery/stats", "stats", n.DeliveryStats)
	handle("DELETE /delivery/stats", "stats_reset", n.ResetDeliveryStats)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var pending *resource.ConflictPendingError
	switch {
	case errors.Is(err, resource.ErrResourceNotFound),
		errors.Is(err, resource.ErrConflictNotFound),
		errors.Is(err, resource.ErrInstanceNotFound),
		errors.Is(err, replication.ErrNoContent):
		return http.StatusNotFound
	case errors.As(err, &pending):
		return http.StatusLocked
	case errors.Is(err, resource.ErrResourceExists),
		errors.Is(err, resource.ErrArchived),
		errors.Is(err, resource.ErrInvalidState),
		errors.Is(err, replication.ErrLocalChanges):
		return http.StatusConflict
	case errors.Is(err, resource.ErrInsufficientPermissions):
		return http.StatusForbidden
	case errors.Is(err, resource.ErrInvalidPath),
		errors.Is(err, resource.ErrUnsupportedResolution),
		errors.Is(err, resource.ErrNoMergeHook),
		errors.Is(err, resource.ErrNoAttributionHook):
		return http.StatusBadRequest
	case errors.Is(err, delivery.ErrNotActive),
		errors.Is(err, delivery.ErrTooManyInflight),
		errors.Is(err, replication.ErrRejected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (n *Node) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		n.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type infoResponse struct {
	NodeID    string            `json:"node_id"`
	Addr      string            `json:"addr"`
	PID       int               `json:"pid"`
	Now       time.Time         `json:"now"`
	Resources int               `json:"resources"`
	Pending   int               `json:"pending"`
	Running   bool              `json:"running"`
	Peers     map[string]string `json:"peers"`
}

func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		NodeID:    n.id,
		Addr:      n.addr,
		PID:       os.Getpid(),
		Now:       time.Now().UTC(),
		Resources: n.store.Len(),
		Pending:   n.dm.Pending(),
		Running:   n.dm.IsRunning(),
		Peers:     n.ring.Nodes(),
	})
}

func (n *Node) Members(w http.ResponseWriter, _ *http.Request) {
	members := []gossip.Member{}
	if n.gsp != nil {
		members = n.gsp.Members()
	}
	writeJSON(w, http.StatusOK, members)
}

// ListResources filters by ?context=, ?owner= and ?state= when given.
func (n *Node) ListResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx, owner, state := q.Get("context"), q.Get("owner"), q.Get("state")
	out := slices.DeleteFunc(n.store.List(), func(res resource.MeshResource) bool {
		return (ctx != "" && res.Path.Context != ctx) ||
			(owner != "" && res.Path.Owner != owner) ||
			(state != "" && string(res.State.Kind) != state)
	})
	writeJSON(w, http.StatusOK, out)
}

type createRequest struct {
	ID      string                `json:"id,omitempty"`
	Path    string                `json:"path"`
	Kind    resource.ResourceKind `json:"kind"`
	Name    string                `json:"type_name,omitempty"`
	Content string                `json:"content"`
	Grants  []resource.Grant      `json:"grants,omitempty"`
}

type createResponse struct {
	Resource resource.MeshResource `json:"resource"`
	Report   replication.Report    `json:"report"`
}

// CreateResource publishes a resource on the node its path is homed on,
// forwarding the request there when that is another node.
func (n *Node) CreateResource(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxContent))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	p, err := resource.ParsePath(req.Path)
	if err != nil {
		n.fail(w, r, err)
		return
	}
	if r.Header.Get(forwardedHeader) == "" {
		if home, hostport, local := n.HomeFor(p.String()); !local {
			n.logger.Debug("forward create", zap.String("path", p.String()), zap.String("home", home))
			n.Forward(w, r, hostport, body)
			return
		}
	}

	res, rep, err := n.rep.Publish(r.Context(), resource.NewResource{
		ID:     req.ID,
		Path:   p,
		Type:   resource.ResourceType{Kind: req.Kind, Name: req.Name},
		Grants: req.Grants,
	}, []byte(req.Content))
	if err != nil {
		if res.ID == "" {
			n.fail(w, r, err)
			return
		}
		// created locally, propagation reported in rep
		n.logger.Warn("publish incomplete", zap.String("resource", res.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, createResponse{Resource: res, Report: rep})
}

func (n *Node) GetResource(w http.ResponseWriter, r *http.Request) {
	res, err := n.store.Get(r.PathValue("id"))
	if err != nil {
		n.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (n *Node) DeleteResource(w http.ResponseWriter, r *http.Request) {
	if err := n.store.Delete(r.PathValue("id")); err != nil {
		n.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) GetContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := n.store.Get(id); err != nil {
		n.fail(w, r, err)
		return
	}
	content, ok := n.rep.Content(id)
	if !ok {
		n.fail(w, r, replication.ErrNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+replication.Hash(content)+`"`)
	_, _ = w.Write(content)
}

// PutContent replaces this node's copy and propagates it. ?summary= is
// recorded on the modification.
func (n *Node) PutContent(w http.ResponseWriter, r *http.Request) {
	content, err := io.ReadAll(io.LimitReader(r.Body, maxContent))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	rep, err := n.rep.UpdateLocal(r.Context(), r.PathValue("id"), content, r.URL.Query().Get("summary"))
	if err != nil {
		n.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// Pull fetches the current content from ?from=<node>.
func (n *Node) Pull(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	if from == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "from is required"})
		return
	}
	content, err := n.rep.Pull(r.Context(), r.PathValue("id"), from)
	if err != nil {
		n.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content_hash": replication.Hash(content), "bytes": len(content)})
}

func (n *Node) Conflicts(w http.ResponseWriter, r *http.Request) {
	cs, err := n.store.Conflicts(r.PathValue("id"))
	if err != nil {
		n.fail(w, r, err)
		return
	}
	if cs == nil {
		cs = []resource.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, cs)
}

// Resolve applies the resolution in the body. An empty body takes the
// engine's suggestion.
func (n *Node) Resolve(w http.ResponseWriter, r *http.Request) {
	id, cid := r.PathValue("id"), r.PathValue("cid")
	var res resource.ConflictResolution
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &res); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
	} else {
		cs, err := n.store.Conflicts(id)
		if err != nil {
			n.fail(w, r, err)
			return
		}
		i := slices.IndexFunc(cs, func(c resource.SyncConflict) bool { return c.ID == cid })
		if i < 0 || cs[i].SuggestedResolution == nil {
			n.fail(w, r, resource.ErrConflictNotFound)
			return
		}
		res = *cs[i].SuggestedResolution
	}
	out, err := n.rep.Resolve(r.Context(), id, cid, res)
	if err != nil {
		n.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) DeliveryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.dm.Stats().Snapshot())
}

func (n *Node) ResetDeliveryStats(w http.ResponseWriter, _ *http.Request) {
	n.dm.Stats().Reset()
	w.WriteHeader(http.StatusNoContent)
}

// Forward replays req with body against hostport and copies the answer back.
func (n *Node) Forward(w http.ResponseWriter, req *http.Request, hostport string, body []byte) {
	target := *req.URL
	target.Scheme = "http"
	target.Host = hostport

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	out.Header = req.Header.Clone()
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)
	out.Header.Set(forwardedHeader, n.id)

	resp, err := n.client.Do(out)
	if err != nil {
		n.logger.Warn("forward failed", zap.String("target", hostport), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
