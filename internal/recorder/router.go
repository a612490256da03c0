package recorder

import (
	"net/http"

	"github.com/webrecorder/recorder/capture"
)

// Router is the Collection Router (spec.md §4.6): it reads the routing
// params out of the proxied request's query string and the upstream's
// source-collection header, and decides whether accept_colls allows the
// transaction to be recorded at all.
type Router struct {
	acceptColls map[string]struct{}
}

// NewRouter builds a Router. An empty acceptColls accepts every source
// collection.
func NewRouter(acceptColls []string) *Router {
	r := &Router{}
	if len(acceptColls) > 0 {
		r.acceptColls = make(map[string]struct{}, len(acceptColls))
		for _, c := range acceptColls {
			r.acceptColls[c] = struct{}{}
		}
	}
	return r
}

// Parse reads param.recorder.user, param.recorder.coll, and
// WebAgg-Source-Coll off an incoming request into a capture.Params, the
// routing decision attached to every capture.
func (r *Router) Parse(req *http.Request) capture.Params {
	q := req.URL.Query()
	return capture.Params{
		User:       q.Get("param.recorder.user"),
		Coll:       q.Get("param.recorder.coll"),
		SourceColl: req.Header.Get("WebAgg-Source-Coll"),
	}
}

// Accept reports whether sourceColl passes the accept_colls filter.
func (r *Router) Accept(sourceColl string) bool {
	if r.acceptColls == nil {
		return true
	}
	_, ok := r.acceptColls[sourceColl]
	return ok
}
