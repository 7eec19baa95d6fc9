package httpdispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/xerrors"

	"github.com/dsconnector/connector/dispatcher"
	"github.com/dsconnector/connector/store"
)

const maxMessageBody = 1 << 20

// Receiver consumes inbound protocol messages, e.g. a negotiation or
// transfer manager.
type Receiver interface {
	Handle(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error)
}

// Mount serves the protocol endpoints the Dispatcher posts to under r.
// Requests must carry authToken as bearer token when it is set.
func Mount(r *mux.Router, negotiations, transfers Receiver, authToken string) {
	r.PathPrefix("/negotiations/").Methods(http.MethodPost).Handler(&handler{collection: "negotiations", recv: negotiations, token: authToken})
	r.PathPrefix("/transfers/").Methods(http.MethodPost).Handler(&handler{collection: "transfers", recv: transfers, token: authToken})
}

type handler struct {
	collection string
	recv       Receiver
	token      string
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var msg dispatcher.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		http.Error(w, "decoding message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if tmpl, ok := paths[msg.Type]; !ok || !strings.HasPrefix(tmpl, h.collection+"/") {
		http.Error(w, "unexpected message "+string(msg.Type), http.StatusBadRequest)
		return
	}

	// replies go back over the protocol the message came in on
	msg.Protocol = Protocol

	resp, err := h.recv.Handle(r.Context(), msg)
	if err != nil {
		status := statusOf(err)
		if status >= 500 {
			log.Errorw("handling message", "type", msg.Type, "process", msg.ProcessID, "error", err)
		} else {
			log.Infow("message refused", "type", msg.Type, "process", msg.ProcessID, "status", status, "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warnw("writing response", "type", msg.Type, "error", err)
	}
}

// statusOf maps a receiver error onto the status the Dispatcher interprets:
// temporary statuses are retried, everything else is a rejection.
func statusOf(err error) int {
	switch {
	case xerrors.Is(err, dispatcher.ErrMalformed):
		return http.StatusBadRequest
	case xerrors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case xerrors.Is(err, store.ErrLeaseConflict):
		return http.StatusServiceUnavailable
	case xerrors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
