package httpexec

import (
	"context"
	"io"
	"net/http"

	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// CommandFunc runs one command received by a Handler.
type CommandFunc func(ctx context.Context, db string, cmd, metadata bson.Raw) (reply, replyMetadata bson.Raw, err error)

// Handler serves the command endpoint that Executor posts to. A
// CommandFunc error is returned to the caller as an {ok: 0} reply.
type Handler struct {
	Command CommandFunc
	// Token, when set, must be presented as "Authorization: Token <Token>".
	Token  string
	Logger *zap.Logger
}

// NewHandler returns a Handler running fn.
func NewHandler(fn CommandFunc, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Command: fn, Logger: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != CommandPath {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Token != "" && r.Header.Get("Authorization") != "Token "+h.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, maxReplySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var env envelope
	if err := bson.Unmarshal(b, &env); err != nil {
		http.Error(w, "malformed command: "+err.Error(), http.StatusBadRequest)
		return
	}

	rep, md, err := h.Command(r.Context(), env.DB, env.Cmd, env.Metadata)
	if err != nil {
		h.Logger.Debug("Command failed", zap.String("db", env.DB), zap.Error(err))
		rep, err = bson.Marshal(bson.D{
			{Key: "ok", Value: 0},
			{Key: "errmsg", Value: err.Error()},
			{Key: "codeName", Value: errors.ErrorCode(err)},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		md = nil
	}

	out, err := bson.Marshal(reply{Reply: rep, Metadata: md})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeBSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
