package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pgbridge/pgbridge/internal/auth"
	"github.com/pgbridge/pgbridge/internal/engine"
	"github.com/pgbridge/pgbridge/internal/models"
)

// Cookie lifetime for the session pair set on sign-in.
const sessionCookieAge = 60 * 86400

// Reply is a buffered HTTP response: either written straight to the waiting
// connection (v1) or deposited into the job registry (v2).
type Reply struct {
	Status  int
	Content []byte
	Header  http.Header
}

// NewReply creates an empty reply with the given status.
func NewReply(status int) *Reply {
	return &Reply{Status: status, Header: http.Header{}}
}

// ErrorReply builds an error-envelope reply.
func ErrorReply(status int, message string) *Reply {
	r := NewReply(status)
	r.Content, _ = json.Marshal(models.NewError(status, message))
	return r
}

// SetCookie appends a Set-Cookie header. maxAge < 0 deletes the cookie.
func (r *Reply) SetCookie(name, value, path string, maxAge int) {
	c := http.Cookie{Name: name, Value: value, Path: path, MaxAge: maxAge}
	r.Header.Add("Set-Cookie", c.String())
}

// resultValue returns the first column of a row, skipping SQL NULLs.
func resultValue(row []any) (any, bool) {
	if len(row) == 0 || row[0] == nil {
		return nil, false
	}
	return row[0], true
}

// ResultToValue reduces a result set to one JSON value: zero rows become an
// empty object, a single row its first column, multiple rows an array of
// first columns with NULLs skipped.
func ResultToValue(rs engine.ResultSet) any {
	if len(rs.Rows) == 0 {
		return map[string]any{}
	}
	values := make([]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if v, ok := resultValue(row); ok {
			values = append(values, v)
		}
	}
	if len(rs.Rows) == 1 {
		if len(values) == 0 {
			return map[string]any{}
		}
		return values[0]
	}
	return values
}

// ResultToList collects the non-NULL first columns of every row.
func ResultToList(rs engine.ResultSet) []any {
	list := make([]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if v, ok := resultValue(row); ok {
			list = append(list, v)
		}
	}
	return list
}

// asObjects yields the object members of value: the object itself, or every
// object element of an array.
func asObjects(value any) []map[string]any {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		var out []map[string]any
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	default:
		return nil
	}
}

func stringField(obj map[string]any, name string) string {
	s, _ := obj[name].(string)
	return s
}

func boolField(obj map[string]any, name string) bool {
	b, _ := obj[name].(bool)
	return b
}

// AfterQuery applies the path-keyed side effects of a completed query to the
// reply: the session cookie pair on sign-in, cookie clearing on sign-out,
// and API key extraction on authentication.
func AfterQuery(reply *Reply, path string, value any) {
	switch path {
	case "/sign/in":
		for _, obj := range asObjects(value) {
			if _, failed := obj["error"]; failed {
				continue
			}
			if !boolField(obj, "result") {
				continue
			}
			if session := stringField(obj, "session"); session != "" {
				reply.SetCookie(auth.SessionCookie, session, "/", sessionCookieAge)
			}
			if key := stringField(obj, "key"); key != "" {
				reply.SetCookie(auth.APIKeyCookie, key, "/api", sessionCookieAge)
			}
		}

	case "/sign/out":
		for _, obj := range asObjects(value) {
			if _, failed := obj["error"]; failed {
				continue
			}
			reply.SetCookie(auth.SessionCookie, "null", "/", -1)
			reply.SetCookie(auth.APIKeyCookie, "null", "/api", -1)
		}

	case "/authenticate":
		for _, obj := range asObjects(value) {
			if _, failed := obj["error"]; failed {
				continue
			}
			if !boolField(obj, "result") {
				continue
			}
			if key := stringField(obj, "key"); key != "" {
				reply.Header.Set(auth.KeyHeader, key)
				reply.SetCookie(auth.APIKeyCookie, key, "/api", 0)
			}
		}
	}
}

// BuildReply marshals the query results into the HTTP reply for the request
// described by qc. A client grant interprets the first result set as a list
// whose head is the authentication payload; everything else serializes the
// first result set directly.
func BuildReply(qc *QueryContext, results []engine.ResultSet) *Reply {
	if len(results) == 0 {
		return ErrorReply(http.StatusInternalServerError, "empty query result")
	}

	reply := NewReply(http.StatusOK)

	if qc.GrantType == "client" {
		list := ResultToList(results[0])
		if len(list) == 0 {
			reply.Status = http.StatusNoContent
			return reply
		}

		AfterQuery(reply, "/authenticate", list[0])

		rest := list[1:]
		var value any = map[string]any{}
		if len(rest) == 1 {
			value = rest[0]
		} else if len(rest) > 1 {
			value = rest
		}

		content, err := json.Marshal(value)
		if err != nil {
			return ErrorReply(http.StatusInternalServerError, fmt.Sprintf("marshal result: %v", err))
		}
		reply.Content = content
		AfterQuery(reply, qc.Path, value)
		return reply
	}

	value := ResultToValue(results[0])
	content, err := json.Marshal(value)
	if err != nil {
		return ErrorReply(http.StatusInternalServerError, fmt.Sprintf("marshal result: %v", err))
	}
	reply.Content = content
	AfterQuery(reply, qc.Path, value)
	return reply
}

// DBErrorReply logs the database diagnostic and wraps it into the 500
// envelope. Every database error is logged before its response is written.
func DBErrorReply(qc *QueryContext, err error) *Reply {
	log.Error().Err(err).Str("path", qc.Path).Msg("database error")
	return ErrorReply(http.StatusInternalServerError, err.Error())
}
