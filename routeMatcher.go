package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

const (
	predicatePath   = "Path"
	predicateMethod = "Method"
	predicateHeader = "Header"
	predicateHost   = "Host"

	filterStripPrefix       = "StripPrefix"
	filterSetPath           = "SetPath"
	filterAddRequestHeader  = "AddRequestHeader"
	filterAddResponseHeader = "AddResponseHeader"
)

func splitDirective(directive string) (string, string) {
	name, args, found := strings.Cut(directive, "=")
	if !found {
		return strings.TrimSpace(directive), ""
	}
	return strings.TrimSpace(name), strings.TrimSpace(args)
}

func splitArgs(args string) []string {
	parts := strings.Split(args, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// newRouteMatcher builds a mux route out of the route path and its predicates.
// A trailing "/**" in a path turns it into a prefix match.
func newRouteMatcher(path string, predicates []string) (*mux.Route, error) {
	route := mux.NewRouter().NewRoute()

	paths := []string{}
	if path != "" {
		paths = append(paths, path)
	}

	for _, p := range predicates {
		name, args := splitDirective(p)
		switch name {
		case predicatePath:
			paths = append(paths, args)
		case predicateMethod:
			route = route.Methods(upperAll(splitArgs(args))...)
		case predicateHeader:
			parts := splitArgs(args)
			if len(parts) > 1 {
				route = route.HeadersRegexp(parts[0], parts[1])
			} else {
				route = route.Headers(parts[0], "")
			}
		case predicateHost:
			route = route.Host(args)
		default:
			return nil, fmt.Errorf("unknown predicate %q", p)
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("route has no path pattern")
	}
	if len(paths) > 1 {
		return nil, fmt.Errorf("route has more than one path pattern: %v", paths)
	}

	if prefix := strings.TrimSuffix(paths[0], "**"); prefix != paths[0] {
		route = route.PathPrefix(prefix)
	} else {
		route = route.Path(paths[0])
	}

	if err := route.GetError(); err != nil {
		return nil, err
	}
	return route, nil
}

func validateFilters(filters []string) error {
	for _, f := range filters {
		name, args := splitDirective(f)
		switch name {
		case filterStripPrefix:
			if n, err := strconv.Atoi(args); err != nil || n < 0 {
				return fmt.Errorf("filter %q needs a non-negative segment count", f)
			}
		case filterSetPath:
			if args == "" {
				return fmt.Errorf("filter %q needs a path template", f)
			}
		case filterAddRequestHeader, filterAddResponseHeader:
			if len(splitArgs(args)) != 2 {
				return fmt.Errorf("filter %q needs a header name and a value", f)
			}
		default:
			return fmt.Errorf("unknown filter %q", f)
		}
	}
	return nil
}

func applyRequestFilters(filters []string, req *http.Request, vars map[string]string) {
	for _, f := range filters {
		name, args := splitDirective(f)
		switch name {
		case filterStripPrefix:
			n, _ := strconv.Atoi(args)
			req.URL.Path = stripPathSegments(req.URL.Path, n)
			req.URL.RawPath = ""
		case filterSetPath:
			req.URL.Path = expandTemplate(args, vars)
			req.URL.RawPath = ""
		case filterAddRequestHeader:
			parts := splitArgs(args)
			req.Header.Add(parts[0], parts[1])
		}
	}
}

func applyResponseFilters(filters []string, h http.Header) {
	for _, f := range filters {
		name, args := splitDirective(f)
		if name == filterAddResponseHeader {
			parts := splitArgs(args)
			h.Add(parts[0], parts[1])
		}
	}
}

func stripPathSegments(path string, n int) string {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n >= len(segments) {
		return "/"
	}
	return "/" + strings.Join(segments[n:], "/")
}
