// router maps a request url onto the document root
// a url with a cgi-bin segment names a program, anything else a static file
package router

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kfcemployee/cgiserver/server/engine"
)

// CGIDir is the path segment that marks dynamic content
const CGIDir = "cgi-bin"

var (
	ErrNotFound  = errors.New("no such file")
	ErrForbidden = errors.New("permission denied")
	ErrIsDir     = errors.New("is a directory")
)

type Router struct {
	root string
}

// New returns a router serving files under root
func New(root string) (*Router, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("document root %q: %w", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("document root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("document root %q: not a directory", abs)
	}
	return &Router{root: abs}, nil
}

func (r *Router) Root() string { return r.root }

// Split separates the query, cleans the path and tells whether it is dynamic
// the cleaned path is rooted, so ".." can never climb above the document root
func Split(url string) (p, query string, dynamic bool) {
	p = url
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p, query = p[:i], p[i+1:]
	}
	p = path.Clean("/" + p)
	// classify after cleaning, so ".." cannot step out of the program directory
	dynamic = strings.Contains(p+"/", "/"+CGIDir+"/")
	return p, query, dynamic
}

// Resolve stats the file a url points at and checks its permissions
// static files must be readable by others and not a directory,
// programs must be regular files executable by the owner
func (r *Router) Resolve(url string) (engine.Target, error) {
	p, query, dynamic := Split(url)
	full := filepath.Join(r.root, filepath.FromSlash(p))

	fi, err := os.Stat(full)
	if err != nil {
		return engine.Target{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	mode := fi.Mode()

	if dynamic {
		if !mode.IsRegular() || mode.Perm()&0o100 == 0 {
			return engine.Target{}, fmt.Errorf("%w: %s is not executable", ErrForbidden, p)
		}
		return engine.Target{Path: full, Info: fi, CGI: true, Query: query}, nil
	}

	if mode.Perm()&0o004 == 0 {
		return engine.Target{}, fmt.Errorf("%w: %s is not world readable", ErrForbidden, p)
	}
	if fi.IsDir() {
		return engine.Target{}, fmt.Errorf("%w: %s", ErrIsDir, p)
	}
	return engine.Target{Path: full, Info: fi}, nil
}

// StatusOf maps a resolve error to its response code
func StatusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, ErrIsDir):
		return 400
	}
	return 500
}
