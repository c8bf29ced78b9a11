package gateway

import (
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// ErrUnknownRoute reports a v1 GET path with no object mapping.
var ErrUnknownRoute = errors.New("unknown object route")

// methodGetParams are the query parameters forwarded into the payload of a
// /method/get lookup.
var methodGetParams = []string{"object", "state", "class", "classcode", "statecode"}

// ObjectRoute maps a v1 GET request onto its SQL endpoint path and payload.
// command and action are the path segments after the version; params are the
// URL query values.
func ObjectRoute(command, action string, params url.Values) (path, payload string, err error) {
	command = strings.ToLower(command)
	action = strings.ToLower(action)

	fields := map[string]string{}

	switch {
	case command == "whoami":
		path = "/whoami"

	case command == "current" && action != "":
		path = "/current/" + action

	case command == "method":
		path = "/method"
		switch action {
		case "":
		case "get":
			path += "/get"
			for _, name := range methodGetParams {
				if v := params.Get(name); v != "" {
					fields[name] = v
				}
			}
		default:
			return "", "", ErrUnknownRoute
		}

	case command == "client" || command == "contract" || command == "address":
		path = "/" + command
		id := params.Get("id")
		if id != "" {
			fields["id"] = id
		}
		switch action {
		case "method":
			path += "/method"
		case "count":
			path += "/count"
		default:
			if id == "" {
				path += "/list"
			} else {
				path += "/get"
			}
		}

	default:
		return "", "", ErrUnknownRoute
	}

	if len(fields) == 0 {
		return path, "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", "", err
	}
	return path, string(data), nil
}
