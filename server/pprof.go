package server

import (
	"net/http/pprof"

	"github.com/gorilla/mux"
)

// registerPprof mounts the runtime profiles under /debug/pprof/.
// Named profiles such as heap and goroutine are served by pprof.Index.
func registerPprof(r *mux.Router) {
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
}
