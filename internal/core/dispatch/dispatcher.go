// Package dispatch forwards inbound HTTP traffic to healthy function
// instances using the JSON calling convention.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"funchost/internal/core/apps"
	"funchost/internal/core/instances"
)

// Resolver maps an inbound method and path to a route binding.
type Resolver interface {
	LookupRoute(method, path string) (apps.RouteBinding, error)
}

// Views reads consistent route state for instance selection.
type Views interface {
	Snapshot(key string) (instances.Snapshot, bool)
}

// Prober requests an out-of-band health check for an instance that failed a
// forwarded request.
type Prober interface {
	NudgeProbe(instanceID string)
}

// envelope is the request body delivered to an instance's /invoke endpoint.
type envelope struct {
	Payload json.RawMessage   `json:"payload"`
	Params  map[string]string `json:"params"`
	Headers map[string]string `json:"headers"`
}

// reply is what an instance returns from /invoke.
type reply struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// errBadReply marks an instance that answered but violated the calling
// convention. The invocation may have executed, so it is never retried.
var errBadReply = errors.New("malformed instance reply")

// Dispatcher is the catch-all handler for function traffic. It is safe for
// concurrent use.
type Dispatcher struct {
	resolver Resolver
	views    Views
	prober   Prober
	client   *http.Client
	timeout  time.Duration
	lg       zerolog.Logger

	mu     sync.Mutex
	cursor map[string]uint64 // route key -> round-robin position
}

func NewDispatcher(resolver Resolver, views Views, prober Prober, timeout time.Duration, lg zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		resolver: resolver,
		views:    views,
		prober:   prober,
		client:   &http.Client{},
		timeout:  timeout,
		lg:       lg.With().Str("component", "dispatcher").Logger(),
		cursor:   map[string]uint64{},
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	binding, err := d.resolver.LookupRoute(r.Method, r.URL.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "no function bound to this route")
		return
	}
	key := binding.Key()

	snap, ok := d.views.Snapshot(key)
	if !ok || snap.Poisoned {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "route is not serviceable")
		return
	}
	healthy := snap.HealthyInstances()
	if len(healthy) == 0 {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "no healthy instance for route")
		return
	}

	env, err := buildEnvelope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode invocation")
		return
	}

	first := healthy[d.next(key)%uint64(len(healthy))]
	rep, err := d.forward(r.Context(), first, body)
	if err != nil {
		if errors.Is(err, errBadReply) {
			// The instance is reachable and may have run the function.
			d.lg.Warn().Err(err).Str("route", key).Str("instance", first.ID).
				Msg("invalid instance reply")
			writeError(w, http.StatusBadGateway, "function instance returned an invalid reply")
			return
		}
		d.prober.NudgeProbe(first.ID)
		d.lg.Warn().Err(err).Str("route", key).Str("instance", first.ID).
			Msg("forward failed")
		if r.Context().Err() != nil {
			return // caller went away, nothing to answer
		}
		second, ok := pickOther(healthy, first.ID, d.next(key))
		if ok {
			rep, err = d.forward(r.Context(), second, body)
			if err != nil {
				if !errors.Is(err, errBadReply) {
					d.prober.NudgeProbe(second.ID)
				}
				d.lg.Warn().Err(err).Str("route", key).Str("instance", second.ID).
					Msg("retry failed")
			}
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, "function instance unreachable")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.Status)
	if len(rep.Body) > 0 {
		_, _ = w.Write(rep.Body)
	}
}

// forward delivers one invocation to one instance.
func (d *Dispatcher) forward(ctx context.Context, in instances.Instance, body []byte) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/invoke", in.Endpoint.Addr())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return reply{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return reply{}, err
	}
	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return reply{}, fmt.Errorf("%w: %v", errBadReply, err)
	}
	if rep.Status < 100 || rep.Status > 599 {
		return reply{}, fmt.Errorf("%w: status %d out of range", errBadReply, rep.Status)
	}
	return rep, nil
}

// next advances the route's round-robin cursor.
func (d *Dispatcher) next(key string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.cursor[key]
	d.cursor[key] = n + 1
	return n
}

// pickOther selects a healthy instance other than excludeID, if one exists.
func pickOther(healthy []instances.Instance, excludeID string, cursor uint64) (instances.Instance, bool) {
	if len(healthy) < 2 {
		return instances.Instance{}, false
	}
	for i := 0; i < len(healthy); i++ {
		in := healthy[(cursor+uint64(i))%uint64(len(healthy))]
		if in.ID != excludeID {
			return in, true
		}
	}
	return instances.Instance{}, false
}

func buildEnvelope(r *http.Request) (envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		return envelope{}, errors.New("read request body")
	}
	payload := json.RawMessage("null")
	if len(bytes.TrimSpace(raw)) > 0 {
		if !json.Valid(raw) {
			return envelope{}, errors.New("request body must be JSON")
		}
		payload = raw
	}

	params := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	headers := map[string]string{}
	for k, vs := range r.Header {
		headers[k] = strings.Join(vs, ", ")
	}
	return envelope{Payload: payload, Params: params, Headers: headers}, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
